// Package census tracks the membership of every service group this
// supervisor knows about. The ring is assembled from gossip rumors and
// queried by the renderer for the svc, bind, and member template namespaces.
package census

import (
	"sort"
	"sync"
	"time"

	"github.com/roost-sh/roost/internal/types"
)

// Health is a member's liveness as seen by the gossip layer.
type Health string

const (
	HealthAlive     Health = "alive"
	HealthSuspect   Health = "suspect"
	HealthConfirmed Health = "confirmed"
	HealthDeparted  Health = "departed"
)

// Member is one service instance in a group.
type Member struct {
	ID          string                 `json:"id"`
	IP          string                 `json:"ip"`
	Hostname    string                 `json:"hostname"`
	GossipPort  int                    `json:"gossip_port"`
	HTTPPort    int                    `json:"http_port"`
	Health      Health                 `json:"health"`
	Leader      bool                   `json:"leader"`
	Incarnation uint64                 `json:"incarnation"`
	Exports     map[string]interface{} `json:"exports,omitempty"`
	LastSeen    time.Time              `json:"last_seen"`
}

// Alive reports whether the member counts as alive for templates and bind
// satisfaction.
func (m *Member) Alive() bool { return m.Health == HealthAlive }

// Group is the census of one service group.
type Group struct {
	ServiceGroup types.ServiceGroup
	members      map[string]*Member
}

func newGroup(sg types.ServiceGroup) *Group {
	return &Group{ServiceGroup: sg, members: make(map[string]*Member)}
}

// Members returns all members sorted by member id.
func (g *Group) Members() []*Member {
	out := make([]*Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AliveMembers returns the alive members sorted by member id.
func (g *Group) AliveMembers() []*Member {
	var out []*Member
	for _, m := range g.Members() {
		if m.Alive() {
			out = append(out, m)
		}
	}
	return out
}

// Leader returns the member flagged as leader, if any is alive.
func (g *Group) Leader() *Member {
	for _, m := range g.Members() {
		if m.Leader && m.Alive() {
			return m
		}
	}
	return nil
}

// First returns the first alive member by id order. With no elected leader
// this is the deterministic "first" every supervisor agrees on.
func (g *Group) First() *Member {
	alive := g.AliveMembers()
	if len(alive) == 0 {
		return nil
	}
	return alive[0]
}

// Ring is the full census: every group this supervisor has seen. All
// methods are safe for concurrent use; accessors return snapshots.
type Ring struct {
	mutex  sync.RWMutex
	groups map[string]*Group
	banned map[string]bool // member ids removed with Depart
	local  string          // local member id
}

// NewRing creates an empty census ring for the given local member id.
func NewRing(localMemberID string) *Ring {
	return &Ring{
		groups: make(map[string]*Group),
		banned: make(map[string]bool),
		local:  localMemberID,
	}
}

// LocalMemberID returns the member id of this supervisor.
func (r *Ring) LocalMemberID() string { return r.local }

// ApplyResult says what an Apply call did to the census.
type ApplyResult int

const (
	// ApplyStale means the update was rejected: older incarnation, a
	// duplicate, or a banned member id.
	ApplyStale ApplyResult = iota
	// ApplyRefreshed means only the member's liveness timestamp advanced.
	ApplyRefreshed
	// ApplyChanged means membership state changed.
	ApplyChanged
)

// Apply inserts or updates a member in a service group. A member update is
// accepted when its incarnation is not older than the stored one. A member
// that departed a group rejoins with a strictly newer incarnation (the
// stable id comes back when its service reloads); an id removed with
// Depart stays out.
func (r *Ring) Apply(sg types.ServiceGroup, member Member) ApplyResult {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.banned[member.ID] {
		return ApplyStale
	}

	key := sg.String()
	group, ok := r.groups[key]
	if !ok {
		group = newGroup(sg)
		r.groups[key] = group
	}

	existing, ok := group.members[member.ID]
	if ok {
		if existing.Health == HealthDeparted {
			if member.Incarnation <= existing.Incarnation {
				return ApplyStale
			}
		} else {
			if member.Incarnation < existing.Incarnation {
				return ApplyStale
			}
			if member.Incarnation == existing.Incarnation &&
				existing.Health == member.Health &&
				existing.Leader == member.Leader {
				existing.LastSeen = member.LastSeen
				return ApplyRefreshed
			}
		}
	}
	stored := member
	group.members[member.ID] = &stored
	return ApplyChanged
}

// Depart removes a member from the ring for good: it is marked departed in
// every group and its id never rejoins, whatever incarnation it claims.
func (r *Ring) Depart(memberID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	changed := !r.banned[memberID]
	r.banned[memberID] = true
	for _, group := range r.groups {
		if m, ok := group.members[memberID]; ok && m.Health != HealthDeparted {
			m.Health = HealthDeparted
			m.Leader = false
			changed = true
		}
	}
	return changed
}

// MarkSuspect transitions alive members not seen since deadline to suspect,
// and suspect members to confirmed down. Returns the ids that changed.
func (r *Ring) MarkSuspect(deadline time.Time) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var changed []string
	for _, group := range r.groups {
		for _, m := range group.members {
			if m.ID == r.local || !m.LastSeen.Before(deadline) {
				continue
			}
			switch m.Health {
			case HealthAlive:
				m.Health = HealthSuspect
				changed = append(changed, m.ID)
			case HealthSuspect:
				m.Health = HealthConfirmed
				m.Leader = false
				changed = append(changed, m.ID)
			}
		}
	}
	return changed
}

// Group returns a snapshot of one service group's census.
func (r *Ring) Group(sg types.ServiceGroup) (*Group, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	group, ok := r.groups[sg.String()]
	if !ok {
		return nil, false
	}
	return snapshotGroup(group), true
}

// Groups returns snapshots of every known group, sorted by name.
func (r *Ring) Groups() []*Group {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	keys := make([]string, 0, len(r.groups))
	for k := range r.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Group, 0, len(keys))
	for _, k := range keys {
		out = append(out, snapshotGroup(r.groups[k]))
	}
	return out
}

// BindSatisfied reports whether a bind's target group exists and has at
// least one alive member.
func (r *Ring) BindSatisfied(bind types.Bind) bool {
	group, ok := r.Group(bind.ServiceGroup)
	if !ok {
		return false
	}
	return len(group.AliveMembers()) > 0
}

func snapshotGroup(g *Group) *Group {
	snap := newGroup(g.ServiceGroup)
	for id, m := range g.members {
		copied := *m
		snap.members[id] = &copied
	}
	return snap
}
