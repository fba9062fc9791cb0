// Package room tracks the in-memory side of one open Clique: the membership
// mirror used for send gating and the ephemeral presence set. It is a cache
// over the persister, resynchronized on every membership change event; the
// presence set is never persisted.
package room

import (
	"sort"
	"sync"

	"github.com/devzarr/devzarr/types"
)

type Roster struct {
	mu          sync.RWMutex
	room        types.Room
	origin      string                       // this instance's presence bucket
	memberships map[string]*types.Membership // by user id
	// presence per originating instance; the visible set is the union.
	// Ephemeral, never persisted.
	online map[string]map[string]struct{}
}

func NewRoster(room *types.Room, origin string) *Roster {
	return &Roster{
		room:        *room,
		origin:      origin,
		memberships: make(map[string]*types.Membership),
		online:      make(map[string]map[string]struct{}),
	}
}

// Room returns a copy of the current room state.
func (r *Roster) Room() types.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.room
}

// SetRoom replaces the cached room state (f.e. after a /mode ±m event).
func (r *Roster) SetRoom(room *types.Room) {
	r.mu.Lock()
	r.room = *room
	r.mu.Unlock()
}

// Refresh replaces the membership mirror wholesale with a fresh read from
// the persister.
func (r *Roster) Refresh(members []*types.Membership) {
	r.mu.Lock()
	r.memberships = make(map[string]*types.Membership, len(members))
	for _, m := range members {
		r.memberships[m.UserId] = m
	}
	r.mu.Unlock()
}

// Apply merges a single membership change without a full refresh.
func (r *Roster) Apply(m *types.Membership) {
	r.mu.Lock()
	r.memberships[m.UserId] = m
	r.mu.Unlock()
}

// Membership returns the cached membership for a user, nil if not a member.
func (r *Roster) Membership(userId string) *types.Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberships[userId]
}

// Members lists the cached memberships ordered by user id ascending.
func (r *Roster) Members() []*types.Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*types.Membership, 0, len(r.memberships))
	for _, m := range r.memberships {
		res = append(res, m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserId < res[j].UserId })
	return res
}

// SetOnline adds or removes a user from this instance's presence bucket. It
// returns the bucket's resulting snapshot (sorted, this is what travels in
// the presence event so peers replace exactly this bucket) and whether the
// bucket actually changed.
func (r *Roster) SetOnline(userId string, online bool) ([]string, bool) {
	r.mu.Lock()
	bucket := r.online[r.origin]
	if bucket == nil {
		bucket = make(map[string]struct{})
		r.online[r.origin] = bucket
	}
	_, present := bucket[userId]
	changed := present != online
	if online {
		bucket[userId] = struct{}{}
	} else {
		delete(bucket, userId)
	}
	snapshot := sortedIds(bucket)
	r.mu.Unlock()
	return snapshot, changed
}

// ReplaceOnline overwrites one instance's presence bucket with its full-state
// snapshot. The bucket is replaced, never accumulated; other instances'
// buckets are untouched.
func (r *Roster) ReplaceOnline(origin string, userIds []string) {
	r.mu.Lock()
	bucket := make(map[string]struct{}, len(userIds))
	for _, id := range userIds {
		bucket[id] = struct{}{}
	}
	r.online[origin] = bucket
	r.mu.Unlock()
}

// Online returns the union of all instances' presence buckets, sorted and
// deduplicated. This is the set clients see.
func (r *Roster) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	union := make(map[string]struct{})
	for _, bucket := range r.online {
		for id := range bucket {
			union[id] = struct{}{}
		}
	}
	return sortedIds(union)
}

func sortedIds(set map[string]struct{}) []string {
	res := make([]string, 0, len(set))
	for id := range set {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}
