package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/filter"
	"github.com/devzarr/devzarr/types"
)

// BuntDBPersist is the single-file deployment backend. It covers the chat
// subset (users, rooms, memberships, messages); direct messages and the
// project feed require the gorm backend and return ErrUnsupported.
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func userKey(id string) string              { return "user:" + id }
func roomKey(id string) string              { return "room:" + id }
func memberKey(roomId, userId string) string { return "member:" + roomId + ":" + userId }
func messageKey(m *types.Message) string {
	return fmt.Sprintf("message:%s:%020d:%s", m.RoomId, m.CreatedAt.UnixNano(), m.Id)
}

func (p *BuntDBPersist) setJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) getJSON(key string, v interface{}) error {
	err := p.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(key)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), v)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) StoreUser(user types.User) error {
	return p.setJSON(userKey(user.Id), user)
}

func (p *BuntDBPersist) GetUser(user *types.User) error {
	if user.Id == "" {
		return ErrNotFound
	}
	return p.getJSON(userKey(user.Id), user)
}

func (p *BuntDBPersist) findUser(match func(*types.User) bool) (*types.User, error) {
	var found *types.User
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(key, value string) bool {
			u := types.User{}
			if err := json.Unmarshal([]byte(value), &u); err != nil {
				return true
			}
			if match(&u) {
				found = &u
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (p *BuntDBPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(key, value string) bool {
			u := types.User{}
			if err := json.Unmarshal([]byte(value), &u); err == nil {
				users = append(users, &u)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Handle < users[j].Handle })
	return users, nil
}

func (p *BuntDBPersist) GetUserByHandle(handle string) (*types.User, error) {
	return p.findUser(func(u *types.User) bool { return u.Handle == handle })
}

func (p *BuntDBPersist) GetUserByEmail(email string) (*types.User, error) {
	return p.findUser(func(u *types.User) bool { return u.Email == email })
}

func (p *BuntDBPersist) UpdateUserTags(user *types.User, updates []*types.TagUpdate) ([]bool, error) {
	res := make([]bool, len(updates))
	err := p.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(userKey(user.Id))
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), user); err != nil {
			return err
		}
		if user.Tags == nil {
			user.Tags = types.JSONStringMap{}
		}
		res = filter.UpdateTags(user.Tags, updates)
		out, err := json.Marshal(user)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(userKey(user.Id), string(out), nil)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *BuntDBPersist) DeleteUser(user *types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(userKey(user.Id))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) CreateRoom(room types.Room) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return err
	}
	owner := types.Membership{
		RoomId:   room.Id,
		UserId:   room.OwnerId,
		Role:     types.RoleOwner,
		JoinedAt: time.Now().UTC(),
	}
	rawOwner, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		// slug uniqueness by scan, the dataset of a buntdb deployment is small
		conflict := false
		err := tx.AscendKeys("room:*", func(key, value string) bool {
			existing := types.Room{}
			if json.Unmarshal([]byte(value), &existing) == nil && existing.Slug == room.Slug {
				conflict = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if conflict {
			return ErrConflict
		}
		if _, _, err := tx.Set(roomKey(room.Id), string(raw), nil); err != nil {
			return err
		}
		_, _, err = tx.Set(memberKey(room.Id, room.OwnerId), string(rawOwner), nil)
		return err
	})
}

func (p *BuntDBPersist) StoreRoom(room types.Room) error {
	return p.setJSON(roomKey(room.Id), room)
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	if room.Id == "" {
		return ErrNotFound
	}
	return p.getJSON(roomKey(room.Id), room)
}

func (p *BuntDBPersist) GetRoomBySlug(slug string) (*types.Room, error) {
	var found *types.Room
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, value string) bool {
			r := types.Room{}
			if json.Unmarshal([]byte(value), &r) == nil && r.Slug == slug {
				found = &r
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, value string) bool {
			r := types.Room{}
			if json.Unmarshal([]byte(value), &r) == nil {
				rooms = append(rooms, &r)
			}
			return true
		})
	})
	return rooms, err
}

func (p *BuntDBPersist) SlugExists(slug string) (bool, error) {
	_, err := p.GetRoomBySlug(slug)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *BuntDBPersist) SetRoomModerated(roomId string, moderated bool) error {
	room := types.Room{Id: roomId}
	if err := p.GetRoom(&room); err != nil {
		return err
	}
	room.Moderated = moderated
	return p.StoreRoom(room)
}

func (p *BuntDBPersist) UpdateRoomTags(room *types.Room, updates []*types.TagUpdate) ([]bool, error) {
	if err := p.GetRoom(room); err != nil {
		return nil, err
	}
	if room.Tags == nil {
		room.Tags = types.JSONStringMap{}
	}
	res := filter.UpdateTags(room.Tags, updates)
	if err := p.StoreRoom(*room); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *BuntDBPersist) DeleteRoom(room *types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(roomKey(room.Id))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) Join(roomId, userId string) (*types.Membership, error) {
	var out types.Membership
	err := p.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(memberKey(roomId, userId))
		if err == nil {
			return json.Unmarshal([]byte(raw), &out)
		}
		if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		out = types.Membership{
			RoomId:   roomId,
			UserId:   userId,
			Role:     types.RoleMember,
			JoinedAt: time.Now().UTC(),
		}
		created, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(memberKey(roomId, userId), string(created), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *BuntDBPersist) GetMembership(roomId, userId string) (*types.Membership, error) {
	m := types.Membership{}
	if err := p.getJSON(memberKey(roomId, userId), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *BuntDBPersist) Memberships(roomId string) ([]*types.Membership, error) {
	members := make([]*types.Membership, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("member:"+roomId+":*", func(key, value string) bool {
			m := types.Membership{}
			if json.Unmarshal([]byte(value), &m) == nil {
				u := types.User{}
				if raw, err := tx.Get(userKey(m.UserId)); err == nil {
					if json.Unmarshal([]byte(raw), &u) == nil {
						m.User = &u
					}
				}
				members = append(members, &m)
			}
			return true
		})
	})
	// key order is already user id ascending within the room prefix
	return members, err
}

func (p *BuntDBPersist) setMembership(roomId, userId string, mutate func(*types.Membership)) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(memberKey(roomId, userId))
		if err != nil {
			return err
		}
		m := types.Membership{}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return err
		}
		mutate(&m)
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(memberKey(roomId, userId), string(out), nil)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) SetRole(roomId, userId, role string) error {
	return p.setMembership(roomId, userId, func(m *types.Membership) { m.Role = role })
}

func (p *BuntDBPersist) SetVoice(roomId, userId string, voice bool) error {
	return p.setMembership(roomId, userId, func(m *types.Membership) { m.Voice = voice })
}

func (p *BuntDBPersist) StoreMessage(msg types.Message) error {
	return p.setJSON(messageKey(&msg), msg)
}

func (p *BuntDBPersist) GetMessageHistory(roomId string, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0, limit)
	prefix := "message:" + roomId + ":"
	err := p.db.View(func(tx *buntdb.Tx) error {
		// descend to collect the most recent page, keys sort by timestamp
		// then id within the room prefix
		return tx.DescendKeys(prefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return false
			}
			m := types.Message{}
			if json.Unmarshal([]byte(value), &m) == nil {
				messages = append(messages, &m)
			}
			return len(messages) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

func (p *BuntDBPersist) GetOrCreateThread(userA, userB string) (*types.DMThread, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) GetThread(threadId string) (*types.DMThread, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) GetThreads(userId string) ([]*types.DMThread, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) StoreDMMessage(msg types.DMMessage) error {
	return ErrUnsupported
}

func (p *BuntDBPersist) GetDMHistory(threadId string, limit int) ([]*types.DMMessage, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) StoreProject(project types.Project) error { return ErrUnsupported }

func (p *BuntDBPersist) GetProject(project *types.Project) error { return ErrUnsupported }

func (p *BuntDBPersist) GetProjectBySlug(slug string) (*types.Project, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) GetProjects() ([]*types.Project, error) { return nil, ErrUnsupported }

func (p *BuntDBPersist) StorePost(post types.Post) error { return ErrUnsupported }

func (p *BuntDBPersist) GetPosts(projectId string, limit int) ([]*types.Post, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) StoreFollow(follow types.Follow) error { return ErrUnsupported }

func (p *BuntDBPersist) DeleteFollow(follow types.Follow) error { return ErrUnsupported }

func (p *BuntDBPersist) GetFollowedProjects(userId string) ([]*types.Project, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) ActiveRooms(window time.Duration, limit int) ([]*types.RoomActivity, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) TopProjects(window time.Duration, limit int) ([]*types.ProjectActivity, error) {
	return nil, ErrUnsupported
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
