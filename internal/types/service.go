package types

import (
	"fmt"
	"strings"
	"time"
)

// Topology describes how members of a service group relate to each other.
type Topology string

const (
	TopologyStandalone Topology = "standalone"
	TopologyLeader     Topology = "leader"
)

// ParseTopology parses a topology name.
func ParseTopology(s string) (Topology, error) {
	switch Topology(s) {
	case TopologyStandalone, TopologyLeader:
		return Topology(s), nil
	default:
		return "", fmt.Errorf("invalid topology %q: must be standalone or leader", s)
	}
}

// UpdateStrategy describes how a service group applies package updates.
type UpdateStrategy string

const (
	UpdateStrategyNone    UpdateStrategy = "none"
	UpdateStrategyAtOnce  UpdateStrategy = "at-once"
	UpdateStrategyRolling UpdateStrategy = "rolling"
)

// ParseUpdateStrategy parses an update strategy name.
func ParseUpdateStrategy(s string) (UpdateStrategy, error) {
	switch UpdateStrategy(s) {
	case UpdateStrategyNone, UpdateStrategyAtOnce, UpdateStrategyRolling:
		return UpdateStrategy(s), nil
	default:
		return "", fmt.Errorf("invalid update strategy %q: must be none, at-once, or rolling", s)
	}
}

// DesiredState is the operator-requested state for a loaded service.
type DesiredState string

const (
	DesiredUp   DesiredState = "up"
	DesiredDown DesiredState = "down"
)

// Bind declares a dependency on another service group's exported
// configuration, e.g. "database:postgres.default".
type Bind struct {
	Name         string       `toml:"name" json:"name"`
	ServiceGroup ServiceGroup `toml:"-" json:"service_group"`
	Optional     bool         `toml:"optional" json:"optional"`
}

// ParseBind parses "name:service.group[@org]".
func ParseBind(s string) (Bind, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 || colon == len(s)-1 {
		return Bind{}, fmt.Errorf("invalid bind %q: expected name:service.group", s)
	}
	sg, err := ParseServiceGroup(s[colon+1:])
	if err != nil {
		return Bind{}, fmt.Errorf("invalid bind %q: %w", s, err)
	}
	return Bind{Name: s[:colon], ServiceGroup: sg}, nil
}

// String renders the bind in its parseable form.
func (b Bind) String() string {
	return b.Name + ":" + b.ServiceGroup.String()
}

// ServiceSpec is the persisted description of a loaded service. Specs are
// stored one-per-file in the supervisor's spec directory.
type ServiceSpec struct {
	Ident               PackageIdent   `toml:"-" json:"ident"`
	IdentString         string         `toml:"ident" json:"-"`
	Group               string         `toml:"group" json:"group"`
	Org                 string         `toml:"org,omitempty" json:"org,omitempty"`
	Topology            Topology       `toml:"topology" json:"topology"`
	UpdateStrategy      UpdateStrategy `toml:"update_strategy" json:"update_strategy"`
	Binds               []string       `toml:"binds,omitempty" json:"binds,omitempty"`
	BindsOptional       []string       `toml:"binds_optional,omitempty" json:"binds_optional,omitempty"`
	DesiredState        DesiredState   `toml:"desired_state" json:"desired_state"`
	ConfigFrom          string         `toml:"config_from,omitempty" json:"config_from,omitempty"`
	HealthCheckInterval time.Duration  `toml:"-" json:"health_check_interval"`
	HealthCheckSeconds  int            `toml:"health_check_interval_secs,omitempty" json:"-"`
}

// Normalize fills derived and defaulted fields after decoding.
func (s *ServiceSpec) Normalize() error {
	if s.IdentString != "" {
		ident, err := ParseIdent(s.IdentString)
		if err != nil {
			return err
		}
		s.Ident = ident
	}
	if s.Ident.Name == "" {
		return fmt.Errorf("service spec has no package identifier")
	}
	s.IdentString = s.Ident.String()
	if s.Group == "" {
		s.Group = DefaultGroup
	}
	if s.Topology == "" {
		s.Topology = TopologyStandalone
	}
	if s.UpdateStrategy == "" {
		s.UpdateStrategy = UpdateStrategyNone
	}
	if s.DesiredState == "" {
		s.DesiredState = DesiredUp
	}
	if s.HealthCheckSeconds <= 0 {
		s.HealthCheckSeconds = 30
	}
	s.HealthCheckInterval = time.Duration(s.HealthCheckSeconds) * time.Second
	for _, raw := range append(append([]string{}, s.Binds...), s.BindsOptional...) {
		if _, err := ParseBind(raw); err != nil {
			return err
		}
	}
	return nil
}

// ServiceGroup returns the group this spec's service belongs to.
func (s *ServiceSpec) ServiceGroup() ServiceGroup {
	return ServiceGroup{Service: s.Ident.Name, Group: s.Group, Org: s.Org}
}

// AllBinds returns the parsed bind declarations, required first.
func (s *ServiceSpec) AllBinds() ([]Bind, error) {
	binds := make([]Bind, 0, len(s.Binds)+len(s.BindsOptional))
	for _, raw := range s.Binds {
		b, err := ParseBind(raw)
		if err != nil {
			return nil, err
		}
		binds = append(binds, b)
	}
	for _, raw := range s.BindsOptional {
		b, err := ParseBind(raw)
		if err != nil {
			return nil, err
		}
		b.Optional = true
		binds = append(binds, b)
	}
	return binds, nil
}

// HealthCheck is the result of running a service's health-check hook.
type HealthCheck string

const (
	HealthOK       HealthCheck = "ok"
	HealthWarning  HealthCheck = "warning"
	HealthCritical HealthCheck = "critical"
	HealthUnknown  HealthCheck = "unknown"
)

// HealthFromExitCode maps a health-check hook exit code to a result.
func HealthFromExitCode(code int) HealthCheck {
	switch code {
	case 0:
		return HealthOK
	case 1:
		return HealthWarning
	case 2:
		return HealthCritical
	default:
		return HealthUnknown
	}
}

// ProcessState describes the runtime state of a supervised service process.
type ProcessState string

const (
	ProcessDown     ProcessState = "down"
	ProcessUp       ProcessState = "up"
	ProcessWaiting  ProcessState = "waiting"
	ProcessStopping ProcessState = "stopping"
)
