package supervisor

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/hooks"
	"github.com/roost-sh/roost/internal/types"
)

// service is the runtime state of one loaded service.
type service struct {
	mutex sync.RWMutex

	spec      *types.ServiceSpec
	cfg       *config.ServiceConfig
	svcDir    string // rendered output and run directory
	sourceDir string // package config_from root holding config/ and hooks/

	process   *hooks.Process
	state     types.ProcessState
	health    types.HealthCheck
	startedAt time.Time
	restarts  int
	// waitingOnBind marks a service parked on an unsatisfied required
	// bind, retried by the reconfigure loop.
	waitingOnBind bool
}

func (s *service) setWaitingOnBind(waiting bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.waitingOnBind = waiting
}

func (s *service) isWaitingOnBind() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.waitingOnBind
}

func newService(spec *types.ServiceSpec, svcDir, sourceDir string) *service {
	return &service{
		spec:      spec,
		cfg:       config.NewServiceConfig(),
		svcDir:    svcDir,
		sourceDir: sourceDir,
		state:     types.ProcessDown,
		health:    types.HealthUnknown,
	}
}

func (s *service) name() string { return s.spec.Ident.Name }

// configTemplateDir is where the service's config templates live.
func (s *service) configTemplateDir() string {
	return filepath.Join(s.sourceDir, "config")
}

// hookTemplateDir is where the service's hook templates live.
func (s *service) hookTemplateDir() string {
	return filepath.Join(s.sourceDir, "hooks")
}

// renderedHooksDir is where rendered executable hooks are written.
func (s *service) renderedHooksDir() string {
	return filepath.Join(s.svcDir, "hooks")
}

// userTomlPath is the operator override file the supervisor watches.
func (s *service) userTomlPath() string {
	return filepath.Join(s.svcDir, "user.toml")
}

func (s *service) setState(state types.ProcessState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = state
	if state == types.ProcessUp {
		s.startedAt = time.Now()
	}
}

func (s *service) setHealth(h types.HealthCheck) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.health = h
}

func (s *service) snapshot() ServiceStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	status := ServiceStatus{
		Name:         s.spec.Ident.Name,
		Ident:        s.spec.IdentString,
		Group:        s.spec.Group,
		ServiceGroup: s.spec.ServiceGroup().String(),
		Topology:     s.spec.Topology,
		DesiredState: s.spec.DesiredState,
		State:        s.state,
		Health:       s.health,
		Restarts:     s.restarts,
	}
	if s.process != nil && s.process.Running() {
		status.PID = s.process.PID()
		status.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	return status
}

// ServiceStatus is the gateway's view of one service.
type ServiceStatus struct {
	Name         string             `json:"name" yaml:"name"`
	Ident        string             `json:"ident" yaml:"ident"`
	Group        string             `json:"group" yaml:"group"`
	ServiceGroup string             `json:"service_group" yaml:"service_group"`
	Topology     types.Topology     `json:"topology" yaml:"topology"`
	DesiredState types.DesiredState `json:"desired_state" yaml:"desired_state"`
	State        types.ProcessState `json:"state" yaml:"state"`
	Health       types.HealthCheck  `json:"health" yaml:"health"`
	PID          int                `json:"pid,omitempty" yaml:"pid,omitempty"`
	Uptime       string             `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	Restarts     int                `json:"restarts" yaml:"restarts"`
}
