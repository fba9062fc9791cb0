// Package command implements the IRC-style slash-command mini-language typed
// into a chat composer: /mode <±flag> [target], plus /help. Commands mutate
// room or membership state through the persister; they are never appended as
// chat messages.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/types"
)

// Error codes attached to rejected commands. They map onto the wire error
// taxonomy: validation errors keep the input for correction, forbidden ones
// are transient notices.
const (
	CodeValidation = "validation"
	CodeForbidden  = "forbidden"
	CodeBackend    = "backend"
)

// Error is a user-visible command failure. Malformed input is rejected with
// an explicit message, never silently dropped.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func validationErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func forbiddenErr(format string, args ...interface{}) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// Result is the outcome of a successful command. Notice is transient
// feedback delivered to the invoking client only; Events are broadcast to
// the whole room (and the bus).
type Result struct {
	Notice string
	Events []*types.Event
}

// Interpreter parses and executes slash commands against a room.
type Interpreter struct {
	persister persistence.Persister
}

func NewInterpreter(p persistence.Persister) *Interpreter {
	return &Interpreter{persister: p}
}

// IsCommand reports whether a composer line routes to the interpreter.
func IsCommand(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "/")
}

const helpText = `Available commands:
/mode +m          enable moderated chat (owner/moderator)
/mode -m          disable moderated chat (owner/moderator)
/mode +v <user>   grant voice (owner/moderator)
/mode -v <user>   revoke voice (owner/moderator)
/mode +o <user>   promote to moderator (owner)
/mode -o <user>   demote to member (owner)
/help             show this help`

// Run executes one slash-command line on behalf of caller. The caller's
// membership is re-read by the hub immediately before every invocation, so
// the permission check always sees fresh state.
func (i *Interpreter) Run(room *types.Room, caller *types.Membership, line string) (*Result, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil, validationErr("not a command: %q", line)
	}
	switch fields[0] {
	case "/help":
		return &Result{Notice: helpText}, nil

	case "/mode":
		return i.runMode(room, caller, fields[1:])
	}
	return nil, validationErr("unknown command %q, try /help", fields[0])
}

func (i *Interpreter) runMode(room *types.Room, caller *types.Membership, args []string) (*Result, error) {
	if len(args) == 0 {
		return nil, validationErr("usage: /mode <±flag> [target]")
	}
	mode := args[0]
	if len(mode) != 2 || (mode[0] != '+' && mode[0] != '-') {
		return nil, validationErr("invalid mode %q, expected ±m, ±v or ±o", mode)
	}
	enable := mode[0] == '+'
	flag := mode[1]

	if !caller.Elevated() {
		return nil, forbiddenErr("you need to be owner or moderator to change modes")
	}

	switch flag {
	case 'm':
		if len(args) > 1 {
			return nil, validationErr("mode %s takes no target", mode)
		}
		return i.setModerated(room, enable)

	case 'v':
		target, err := i.resolveTarget(room, args, mode)
		if err != nil {
			return nil, err
		}
		return i.setVoice(room, target, enable)

	case 'o':
		if caller.Role != types.RoleOwner {
			return nil, forbiddenErr("only the owner can change moderator roles")
		}
		target, err := i.resolveTarget(room, args, mode)
		if err != nil {
			return nil, err
		}
		return i.setModeratorRole(room, target, enable)
	}
	return nil, validationErr("unknown mode flag %q, expected m, v or o", string(flag))
}

// resolveTarget maps a handle argument onto a room membership.
func (i *Interpreter) resolveTarget(room *types.Room, args []string, mode string) (*types.Membership, error) {
	if len(args) != 2 {
		return nil, validationErr("usage: /mode %s <user>", mode)
	}
	handle := strings.TrimPrefix(args[1], "@")
	user, err := i.persister.GetUserByHandle(handle)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, validationErr("no such user %q", handle)
		}
		return nil, &Error{Code: CodeBackend, Message: err.Error()}
	}
	membership, err := i.persister.GetMembership(room.Id, user.Id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, validationErr("%q is not a member of this room", handle)
		}
		return nil, &Error{Code: CodeBackend, Message: err.Error()}
	}
	return membership, nil
}

func (i *Interpreter) setModerated(room *types.Room, enable bool) (*Result, error) {
	// idempotent: setting the flag to its current value succeeds
	if err := i.persister.SetRoomModerated(room.Id, enable); err != nil {
		return nil, &Error{Code: CodeBackend, Message: err.Error()}
	}
	room.Moderated = enable
	notice := "Moderated chat disabled. Everyone may post again."
	if enable {
		notice = "Moderated chat enabled. Only the owner, moderators and voiced members may post."
	}
	return &Result{Notice: notice, Events: []*types.Event{types.NewRoomEvent(room)}}, nil
}

func (i *Interpreter) setVoice(room *types.Room, target *types.Membership, enable bool) (*Result, error) {
	if err := i.persister.SetVoice(room.Id, target.UserId, enable); err != nil {
		return nil, &Error{Code: CodeBackend, Message: err.Error()}
	}
	target.Voice = enable
	verb := "revoked from"
	if enable {
		verb = "granted to"
	}
	return &Result{
		Notice: fmt.Sprintf("Voice %s %s.", verb, targetName(target)),
		Events: []*types.Event{types.NewMembershipEvent(target)},
	}, nil
}

func (i *Interpreter) setModeratorRole(room *types.Room, target *types.Membership, enable bool) (*Result, error) {
	if target.Role == types.RoleOwner {
		return nil, validationErr("the owner role cannot be changed")
	}
	role := types.RoleMember
	if enable {
		role = types.RoleModerator
	}
	if err := i.persister.SetRole(room.Id, target.UserId, role); err != nil {
		return nil, &Error{Code: CodeBackend, Message: err.Error()}
	}
	target.Role = role
	verb := "demoted to member"
	if enable {
		verb = "promoted to moderator"
	}
	return &Result{
		Notice: fmt.Sprintf("%s %s.", targetName(target), verb),
		Events: []*types.Event{types.NewMembershipEvent(target)},
	}, nil
}

func targetName(m *types.Membership) string {
	if m.User != nil && m.User.Handle != "" {
		return "@" + m.User.Handle
	}
	return m.UserId
}
