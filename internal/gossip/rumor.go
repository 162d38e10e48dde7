// Package gossip propagates rumors between supervisors: membership
// heartbeats, service configuration pushes, departures, and election
// results. Transport is WebSocket; rumors are JSON. Application is
// idempotent — duplicates are suppressed with a TTL cache and stale
// incarnations are rejected by the census and config layers.
package gossip

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/roost-sh/roost/internal/census"
	"github.com/roost-sh/roost/internal/types"
)

// RumorKind discriminates rumor payloads.
type RumorKind string

const (
	// RumorMember announces a member's presence and exported config.
	RumorMember RumorKind = "member"
	// RumorServiceConfig pushes a config layer to a service group.
	RumorServiceConfig RumorKind = "service_config"
	// RumorDeparture kicks a member from the ring permanently.
	RumorDeparture RumorKind = "departure"
	// RumorElection announces a leader for a service group.
	RumorElection RumorKind = "election"
)

// Rumor is the gossip wire unit.
type Rumor struct {
	ID           string         `json:"id"`
	Kind         RumorKind      `json:"kind"`
	Ring         string         `json:"ring,omitempty"`
	From         string         `json:"from"`
	ServiceGroup string         `json:"service_group,omitempty"`
	Member       *census.Member `json:"member,omitempty"`
	Config       *ConfigPush    `json:"config,omitempty"`
	MemberID     string         `json:"member_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ConfigPush is the payload of a service_config rumor.
type ConfigPush struct {
	Incarnation uint64 `json:"incarnation"`
	TOML        string `json:"toml"`
}

// NewMemberRumor builds a membership heartbeat rumor.
func NewMemberRumor(ring, from string, sg types.ServiceGroup, member census.Member) Rumor {
	return Rumor{
		ID:           uuid.NewString(),
		Kind:         RumorMember,
		Ring:         ring,
		From:         from,
		ServiceGroup: sg.String(),
		Member:       &member,
		Timestamp:    time.Now().UTC(),
	}
}

// NewConfigRumor builds a service config push rumor.
func NewConfigRumor(ring, from string, sg types.ServiceGroup, incarnation uint64, rawTOML []byte) Rumor {
	return Rumor{
		ID:           uuid.NewString(),
		Kind:         RumorServiceConfig,
		Ring:         ring,
		From:         from,
		ServiceGroup: sg.String(),
		Config:       &ConfigPush{Incarnation: incarnation, TOML: string(rawTOML)},
		Timestamp:    time.Now().UTC(),
	}
}

// NewDepartureRumor builds a departure rumor for a member id.
func NewDepartureRumor(ring, from, memberID string) Rumor {
	return Rumor{
		ID:        uuid.NewString(),
		Kind:      RumorDeparture,
		Ring:      ring,
		From:      from,
		MemberID:  memberID,
		Timestamp: time.Now().UTC(),
	}
}

// NewElectionRumor announces the leader of a service group.
func NewElectionRumor(ring, from string, sg types.ServiceGroup, leaderID string) Rumor {
	return Rumor{
		ID:           uuid.NewString(),
		Kind:         RumorElection,
		Ring:         ring,
		From:         from,
		ServiceGroup: sg.String(),
		MemberID:     leaderID,
		Timestamp:    time.Now().UTC(),
	}
}

// Validate checks structural requirements per kind.
func (r *Rumor) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rumor has no id")
	}
	switch r.Kind {
	case RumorMember:
		if r.Member == nil || r.Member.ID == "" {
			return fmt.Errorf("member rumor %s has no member", r.ID)
		}
		if r.ServiceGroup == "" {
			return fmt.Errorf("member rumor %s has no service group", r.ID)
		}
	case RumorServiceConfig:
		if r.Config == nil || r.ServiceGroup == "" {
			return fmt.Errorf("config rumor %s is missing payload or group", r.ID)
		}
	case RumorDeparture, RumorElection:
		if r.MemberID == "" {
			return fmt.Errorf("%s rumor %s has no member id", r.Kind, r.ID)
		}
	default:
		return fmt.Errorf("unknown rumor kind %q", r.Kind)
	}
	return nil
}

// Handler applies rumors to supervisor state and produces the local state
// used to answer a peer's sync request.
type Handler interface {
	// ApplyRumor applies one rumor; it reports whether the rumor carried
	// news and should be forwarded to other peers. A heartbeat that only
	// refreshed a member's liveness still counts as news.
	ApplyRumor(r Rumor) bool
	// LocalRumors snapshots local state as rumors for anti-entropy sync.
	LocalRumors() []Rumor
}

// dedup suppresses rumors already seen recently.
type dedup struct {
	cache *gocache.Cache
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{cache: gocache.New(ttl, 2*ttl)}
}

// seen records the rumor id and reports whether it was already present.
func (d *dedup) seen(id string) bool {
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	d.cache.SetDefault(id, struct{}{})
	return false
}
