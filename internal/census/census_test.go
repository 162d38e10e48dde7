package census

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-sh/roost/internal/types"
)

func group(t *testing.T) types.ServiceGroup {
	t.Helper()
	sg, err := types.ParseServiceGroup("redis.default")
	require.NoError(t, err)
	return sg
}

func member(id string, inc uint64, health Health) Member {
	return Member{
		ID:          id,
		IP:          "10.0.0.1",
		Health:      health,
		Incarnation: inc,
		LastSeen:    time.Now(),
	}
}

func TestRingApplyAndSnapshot(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	assert.Equal(t, ApplyChanged, ring.Apply(sg, member("b", 1, HealthAlive)))
	assert.Equal(t, ApplyChanged, ring.Apply(sg, member("a", 1, HealthAlive)))

	g, ok := ring.Group(sg)
	require.True(t, ok)
	members := g.Members()
	require.Len(t, members, 2)
	// sorted by member id
	assert.Equal(t, "a", members[0].ID)
	assert.Equal(t, "b", members[1].ID)
	assert.Equal(t, "a", g.First().ID)
}

func TestRingApplyIncarnationOrdering(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 5, HealthAlive)))

	// older incarnation is rejected
	assert.Equal(t, ApplyStale, ring.Apply(sg, member("m", 4, HealthSuspect)))

	// same incarnation with no state change only refreshes liveness
	beat := member("m", 5, HealthAlive)
	beat.LastSeen = time.Now().Add(time.Minute)
	assert.Equal(t, ApplyRefreshed, ring.Apply(sg, beat))
	g, _ := ring.Group(sg)
	assert.Equal(t, beat.LastSeen, g.Members()[0].LastSeen)

	// newer incarnation wins
	assert.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 6, HealthSuspect)))
	g, _ = ring.Group(sg)
	assert.Equal(t, HealthSuspect, g.Members()[0].Health)
}

func TestRingDepartIsSticky(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 1, HealthAlive)))
	assert.True(t, ring.Depart("m"))
	assert.False(t, ring.Depart("m"))

	// a departed id cannot rejoin, even with a newer incarnation
	assert.Equal(t, ApplyStale, ring.Apply(sg, member("m", 99, HealthAlive)))

	g, _ := ring.Group(sg)
	assert.Equal(t, HealthDeparted, g.Members()[0].Health)
	assert.Empty(t, g.AliveMembers())
}

func TestRingGroupDepartureRejoinsWithNewerIncarnation(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 1, HealthAlive)))
	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 2, HealthDeparted)))

	// an equal or older incarnation stays out
	assert.Equal(t, ApplyStale, ring.Apply(sg, member("m", 2, HealthAlive)))
	assert.Equal(t, ApplyStale, ring.Apply(sg, member("m", 1, HealthAlive)))

	// the same stable id comes back when its service reloads
	assert.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 3, HealthAlive)))
	g, _ := ring.Group(sg)
	require.Len(t, g.AliveMembers(), 1)
	assert.Equal(t, "m", g.AliveMembers()[0].ID)
}

func TestRingMarkSuspect(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	stale := member("old", 1, HealthAlive)
	stale.LastSeen = time.Now().Add(-time.Minute)
	require.Equal(t, ApplyChanged, ring.Apply(sg, stale))

	fresh := member("new", 1, HealthAlive)
	require.Equal(t, ApplyChanged, ring.Apply(sg, fresh))

	// the local member never goes suspect
	me := member("local", 1, HealthAlive)
	me.LastSeen = time.Now().Add(-time.Hour)
	require.Equal(t, ApplyChanged, ring.Apply(sg, me))

	deadline := time.Now().Add(-30 * time.Second)
	changed := ring.MarkSuspect(deadline)
	assert.Equal(t, []string{"old"}, changed)

	g, _ := ring.Group(sg)
	for _, m := range g.Members() {
		switch m.ID {
		case "old":
			assert.Equal(t, HealthSuspect, m.Health)
		default:
			assert.Equal(t, HealthAlive, m.Health)
		}
	}

	// a second pass confirms the suspect down
	changed = ring.MarkSuspect(deadline)
	assert.Equal(t, []string{"old"}, changed)
	g, _ = ring.Group(sg)
	for _, m := range g.Members() {
		if m.ID == "old" {
			assert.Equal(t, HealthConfirmed, m.Health)
		}
	}
}

func TestLeaderAndFirst(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	lead := member("b", 1, HealthAlive)
	lead.Leader = true
	require.Equal(t, ApplyChanged, ring.Apply(sg, lead))
	require.Equal(t, ApplyChanged, ring.Apply(sg, member("a", 1, HealthAlive)))

	g, _ := ring.Group(sg)
	require.NotNil(t, g.Leader())
	assert.Equal(t, "b", g.Leader().ID)
	assert.Equal(t, "a", g.First().ID)
}

func TestBindSatisfied(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	bind, err := types.ParseBind("cache:redis.default")
	require.NoError(t, err)

	assert.False(t, ring.BindSatisfied(bind))

	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 1, HealthSuspect)))
	assert.False(t, ring.BindSatisfied(bind))

	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 2, HealthAlive)))
	assert.True(t, ring.BindSatisfied(bind))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)
	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m", 1, HealthAlive)))

	g, _ := ring.Group(sg)
	g.Members()[0].Health = HealthConfirmed

	again, _ := ring.Group(sg)
	assert.Equal(t, HealthAlive, again.Members()[0].Health)
}

func TestGroupTemplateData(t *testing.T) {
	ring := NewRing("local")
	sg := group(t)

	m := member("m1", 1, HealthAlive)
	m.Exports = map[string]interface{}{"port": 6379}
	require.Equal(t, ApplyChanged, ring.Apply(sg, m))
	require.Equal(t, ApplyChanged, ring.Apply(sg, member("m2", 1, HealthConfirmed)))

	g, _ := ring.Group(sg)
	data := g.TemplateData()

	assert.Equal(t, "redis.default", data["service_group"])
	members := data["members"].([]interface{})
	require.Len(t, members, 2)

	first := data["first"].(map[string]interface{})
	assert.Equal(t, "m1", first["member_id"])
	assert.Equal(t, true, first["alive"])
	cfg := first["cfg"].(map[string]interface{})
	assert.Equal(t, 6379, cfg["port"])

	_, hasLeader := data["leader"]
	assert.False(t, hasLeader)
}
