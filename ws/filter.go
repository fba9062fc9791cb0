package ws

import (
	"github.com/antonmedv/expr/vm"

	"github.com/devzarr/devzarr/filter"
	"github.com/devzarr/devzarr/types"
)

// RunFilterEvent runs the client's precompiled subscription filter against
// one event. A nil program passes, a failing or non-boolean expression
// excludes the client.
func (c *Client) RunFilterEvent(event *types.Event, prog *vm.Program) bool {
	if event == nil {
		return false
	}
	if prog == nil {
		return true
	}
	return filter.Run(prog, c.filterEnv(event))
}

func (c *Client) filterEnv(event *types.Event) filter.Env {
	rm := c.hub.Roster.Room()
	env := filter.Env{
		Room: filter.Room{
			Id:        rm.Id,
			Slug:      rm.Slug,
			Moderated: rm.Moderated,
			Tags:      rm.Tags,
		},
		Kind:          event.Kind,
		Created:       event.CreatedAt.Unix(),
		AsInt:         filter.AsInt,
		AsFloat:       filter.AsFloat,
		AsStringSlice: filter.AsStringSlice,
		AsIntSlice:    filter.AsIntSlice,
		AsFloatSlice:  filter.AsFloatSlice,
	}
	if rm.Owner != nil {
		env.Room.Owner = filterUser(rm.Owner)
	}
	if src := c.hub.Roster.Membership(event.SourceId); src != nil && src.User != nil {
		env.Source.User = filterUser(src.User)
	} else {
		env.Source.User = filter.User{Id: event.SourceId}
	}
	env.Target.User = filterUser(c.user)
	if m := c.hub.Roster.Membership(c.user.Id); m != nil {
		env.Target.Role = m.Role
		env.Target.Voice = m.Voice
	}
	return env
}

func filterUser(u *types.User) filter.User {
	return filter.User{
		Id:         u.Id,
		Handle:     u.Handle,
		Tags:       u.Tags,
		LastOnline: u.LastOnline.Unix(),
	}
}
