// Package supervisor runs services: it loads specs from the spec
// directory, renders their configuration from census and layered config
// state, executes lifecycle hooks, and keeps the gossip ring informed of
// local membership.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roost-sh/roost/internal/census"
	"github.com/roost-sh/roost/internal/config"
	rerrors "github.com/roost-sh/roost/internal/errors"
	"github.com/roost-sh/roost/internal/gossip"
	"github.com/roost-sh/roost/internal/hooks"
	"github.com/roost-sh/roost/internal/logging"
	"github.com/roost-sh/roost/internal/render"
	"github.com/roost-sh/roost/internal/types"
	"github.com/roost-sh/roost/internal/watcher"
)

const (
	// stopGrace is how long a service gets between SIGTERM and SIGKILL.
	stopGrace = 8 * time.Second
	// restartBackoff is the pause before restarting a crashed service.
	restartBackoff = 2 * time.Second
	// watchDebounce collapses bursts of file events into one pass.
	watchDebounce = 250 * time.Millisecond
)

// Supervisor owns every loaded service plus the census, gossip, and
// rendering machinery they share.
type Supervisor struct {
	cfg       *config.Config
	logger    logging.Logger
	version   string
	memberID  string
	sysIP     string
	startTime time.Time

	ring      *census.Ring
	gossip    *gossip.Manager
	renderer  *render.Renderer
	runner    *hooks.Runner
	specs     *SpecStore
	watch     *watcher.FileWatcher
	collector *rerrors.Collector

	mutex    sync.RWMutex
	services map[string]*service
	order    []string
	// config pushed to groups with no local service yet, kept so it
	// propagates and applies when the service loads
	groupConfigs map[string]*gossip.ConfigPush

	incarnation atomic.Uint64
	kick        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a supervisor from the loaded configuration.
func New(cfg *config.Config, logger logging.Logger, version string) (*Supervisor, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	logger = logger.WithComponent("supervisor")

	memberID, err := loadMemberID(cfg.Supervisor.DataPath)
	if err != nil {
		return nil, err
	}
	sysIP := cfg.Supervisor.SysIP
	if sysIP == "" {
		sysIP = localIP()
	}

	specs, err := NewSpecStore(cfg.SpecDir())
	if err != nil {
		return nil, err
	}
	watch, err := watcher.NewFileWatcher(watchDebounce, logger)
	if err != nil {
		return nil, err
	}

	collector := rerrors.NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		memberID:     memberID,
		sysIP:        sysIP,
		startTime:    time.Now(),
		ring:         census.NewRing(memberID),
		renderer:     render.NewRenderer(logger, collector, false),
		runner:       hooks.NewRunner(logger, 0),
		specs:        specs,
		watch:        watch,
		collector:    collector,
		services:     make(map[string]*service),
		groupConfigs: make(map[string]*gossip.ConfigPush),
		kick:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.incarnation.Store(1)

	s.gossip = gossip.NewManager(gossip.ManagerConfig{
		ListenAddr:    cfg.Gossip.ListenAddr,
		Ring:          cfg.Gossip.Ring,
		MemberID:      memberID,
		Peers:         cfg.PeerAddrs(),
		PermanentPeer: cfg.Gossip.PermanentPeer,
	}, s, logger)

	return s, nil
}

// MemberID returns this supervisor's stable member id.
func (s *Supervisor) MemberID() string { return s.memberID }

// Ring exposes the census for the gateway and the renderer.
func (s *Supervisor) Ring() *census.Ring { return s.ring }

// Gossip exposes the gossip manager.
func (s *Supervisor) Gossip() *gossip.Manager { return s.gossip }

// Errors exposes collected render and hook errors.
func (s *Supervisor) Errors() *rerrors.Collector { return s.collector }

// StartTime returns when this supervisor started.
func (s *Supervisor) StartTime() time.Time { return s.startTime }

// Run starts gossip and the watcher, loads existing specs, and blocks
// until ctx is canceled, then shuts everything down.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.writePIDFile(); err != nil {
		return err
	}
	if err := s.gossip.Start(); err != nil {
		return err
	}

	specs, failures := s.specs.LoadAll()
	for name, err := range failures {
		s.logger.Warn(ctx, err, "skipping unreadable spec", "file", name)
	}
	for _, spec := range specs {
		if err := s.Load(spec); err != nil {
			s.logger.Error(ctx, err, "loading service failed", "service", spec.Ident.Name)
		}
	}

	s.watch.AddFilter(watcher.NoHiddenFilter)
	s.watch.AddHandler(s.handleFileEvents)
	if err := s.watch.AddPath(s.specs.Dir()); err != nil {
		return err
	}
	if pf := s.cfg.Gossip.PeerWatchFile; pf != "" {
		s.loadPeerFile(pf)
		if err := s.watch.AddPath(filepath.Dir(pf)); err != nil {
			s.logger.Warn(ctx, err, "cannot watch peer file", "path", pf)
		}
	}
	s.watch.Start(s.ctx)

	s.wg.Add(2)
	go s.reconfigureLoop()
	go s.agingLoop()

	s.logger.Info(ctx, "supervisor running",
		"member_id", s.memberID, "ip", s.sysIP,
		"gossip", s.gossip.Addr(), "services", len(specs))

	<-ctx.Done()
	return s.shutdown()
}

func (s *Supervisor) shutdown() error {
	s.logger.Info(context.Background(), "supervisor shutting down")

	// Unload gossips a departed-health member rumor per service, which
	// peers drop from templates immediately but which this member id can
	// rejoin on restart. A ring-wide departure rumor would ban the
	// persistent id for good; that is reserved for an explicit depart.
	s.mutex.RLock()
	order := append([]string(nil), s.order...)
	s.mutex.RUnlock()
	for i := len(order) - 1; i >= 0; i-- {
		if err := s.Unload(order[i]); err != nil {
			s.logger.Warn(context.Background(), err, "unload during shutdown failed", "service", order[i])
		}
	}

	s.cancel()
	_ = s.watch.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.gossip.Shutdown(shutdownCtx)
	s.wg.Wait()
	_ = os.Remove(PIDFile(s.cfg.Supervisor.DataPath))
	return err
}

// PIDFile is where a running supervisor records its process id, so the
// term command can find it.
func PIDFile(dataPath string) string {
	return filepath.Join(dataPath, "roost.pid")
}

func (s *Supervisor) writePIDFile() error {
	return os.WriteFile(PIDFile(s.cfg.Supervisor.DataPath), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// Load brings a service under management and starts it if desired up. The
// spec is persisted so the service survives supervisor restarts.
func (s *Supervisor) Load(spec *types.ServiceSpec) error {
	if err := spec.Normalize(); err != nil {
		return err
	}
	name := spec.Ident.Name

	sourceDir := spec.ConfigFrom
	if sourceDir == "" {
		sourceDir = s.cfg.Supervisor.ConfigFrom
	}
	if sourceDir == "" {
		return fmt.Errorf("service %s: no config source; set config_from", name)
	}
	if spec.Org == "" {
		spec.Org = s.cfg.Supervisor.Organization
	}

	svcDir := s.cfg.SvcDir(name)
	if err := os.MkdirAll(svcDir, 0o755); err != nil {
		return err
	}

	svc := newService(spec, svcDir, sourceDir)
	if err := s.loadConfigLayers(svc); err != nil {
		return err
	}

	s.mutex.Lock()
	if _, exists := s.services[name]; exists {
		s.mutex.Unlock()
		return fmt.Errorf("service %s is already loaded", name)
	}
	s.services[name] = svc
	s.order = append(s.order, name)
	// a config push may have arrived before the service loaded
	push := s.groupConfigs[spec.ServiceGroup().String()]
	s.mutex.Unlock()

	if push != nil {
		if _, err := svc.cfg.ApplyGossip(push.Incarnation, []byte(push.TOML)); err != nil {
			s.logger.Warn(s.ctx, err, "stored config push rejected", "service", name)
		}
	}

	if err := s.specs.Save(spec); err != nil {
		return err
	}
	if err := s.watch.AddPath(svcDir); err != nil {
		s.logger.Warn(s.ctx, err, "cannot watch service dir", "service", name)
	}

	s.logger.Info(s.ctx, "service loaded", "service", name, "group", spec.ServiceGroup().String())
	if spec.DesiredState == types.DesiredUp {
		if err := s.startService(svc); err != nil {
			return err
		}
	}
	s.announce(svc)
	s.wake()
	return nil
}

// Unload stops a service and removes its spec.
func (s *Supervisor) Unload(name string) error {
	s.mutex.Lock()
	svc, ok := s.services[name]
	if ok {
		delete(s.services, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mutex.Unlock()
	if !ok {
		return fmt.Errorf("service %s is not loaded", name)
	}

	s.stopService(svc)
	if err := s.specs.Remove(name); err != nil {
		return err
	}

	// retire our member from the group so peers and templates drop it
	member := s.localMember(svc)
	member.Health = census.HealthDeparted
	member.Incarnation = s.incarnation.Add(1)
	sg := svc.spec.ServiceGroup()
	s.ring.Apply(sg, member)
	s.gossip.Broadcast(gossip.NewMemberRumor(s.cfg.Gossip.Ring, s.memberID, sg, member))

	s.logger.Info(s.ctx, "service unloaded", "service", name)
	s.wake()
	return nil
}

// Services returns status snapshots in load order.
func (s *Supervisor) Services() []ServiceStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]ServiceStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.services[name].snapshot())
	}
	return out
}

// ServiceConfig returns a service's merged configuration map.
func (s *Supervisor) ServiceConfig(name string) (map[string]interface{}, bool) {
	s.mutex.RLock()
	svc, ok := s.services[name]
	s.mutex.RUnlock()
	if !ok {
		return nil, false
	}
	return svc.cfg.Merged(), true
}

// Service returns one service's status.
func (s *Supervisor) Service(name string) (ServiceStatus, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	svc, ok := s.services[name]
	if !ok {
		return ServiceStatus{}, false
	}
	return svc.snapshot(), true
}

func (s *Supervisor) loadConfigLayers(svc *service) error {
	name := svc.name()
	defaultToml := filepath.Join(svc.sourceDir, "default.toml")
	if err := svc.cfg.LoadLayerFile(config.LayerDefault, defaultToml); err != nil {
		return fmt.Errorf("service %s: %w", name, err)
	}
	if err := svc.cfg.LoadEnvironment(name); err != nil {
		return fmt.Errorf("service %s: %w", name, err)
	}
	if err := svc.cfg.LoadLayerFile(config.LayerUser, svc.userTomlPath()); err != nil {
		return fmt.Errorf("service %s: %w", name, err)
	}
	return nil
}

// startService renders, runs the init hook, and launches the run hook. A
// service with an unsatisfied required bind waits instead of failing; the
// reconfigure loop retries it when the census changes.
func (s *Supervisor) startService(svc *service) error {
	if _, err := s.renderService(svc); err != nil {
		var ube *render.UnsatisfiedBindError
		if errors.As(err, &ube) {
			s.logger.Warn(s.ctx, err, "service waiting on bind", "service", svc.name())
			svc.setWaitingOnBind(true)
			svc.setState(types.ProcessWaiting)
			return nil
		}
		return err
	}
	svc.setWaitingOnBind(false)

	env := s.hookEnv(svc)
	result, err := s.runner.Run(s.ctx, svc.name(), svc.renderedHooksDir(), hooks.HookInit, env)
	if err != nil {
		return err
	}
	if hookErr := result.Err(svc.name()); hookErr != nil {
		s.collector.AddError(hookErr)
		return hookErr
	}

	process, err := s.runner.Start(s.ctx, svc.name(), svc.renderedHooksDir(), env)
	if err != nil {
		svc.setState(types.ProcessDown)
		return err
	}
	svc.mutex.Lock()
	svc.process = process
	svc.mutex.Unlock()
	svc.setState(types.ProcessUp)

	s.wg.Add(2)
	go s.monitorProcess(svc, process)
	go s.healthLoop(svc, process)
	return nil
}

func (s *Supervisor) stopService(svc *service) {
	svc.setState(types.ProcessStopping)
	svc.mutex.RLock()
	process := svc.process
	svc.mutex.RUnlock()
	if process != nil && process.Running() {
		if err := process.Stop(stopGrace); err != nil {
			s.logger.Warn(s.ctx, err, "stopping service process", "service", svc.name())
		}
	}
	if result, err := s.runner.Run(s.ctx, svc.name(), svc.renderedHooksDir(), hooks.HookPostStop, s.hookEnv(svc)); err == nil {
		if hookErr := result.Err(svc.name()); hookErr != nil {
			s.collector.AddError(hookErr)
		}
	}
	svc.setState(types.ProcessDown)
}

// monitorProcess restarts a crashed service while it is desired up.
func (s *Supervisor) monitorProcess(svc *service, process *hooks.Process) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-process.Done():
	}

	svc.mutex.Lock()
	stillCurrent := svc.process == process
	stopping := svc.state == types.ProcessStopping || svc.state == types.ProcessDown
	svc.mutex.Unlock()
	if !stillCurrent || stopping || !s.loaded(svc.name()) {
		return
	}

	s.logger.Warn(s.ctx, nil, "service process exited",
		"service", svc.name(), "exit", process.ExitCode())
	svc.setState(types.ProcessWaiting)

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(restartBackoff):
	}
	if !s.loaded(svc.name()) {
		return
	}

	svc.mutex.Lock()
	svc.restarts++
	svc.mutex.Unlock()
	if err := s.startService(svc); err != nil {
		s.logger.Error(s.ctx, err, "restart failed", "service", svc.name())
		svc.setState(types.ProcessDown)
	}
}

// healthLoop runs the health-check hook on the spec's interval for as long
// as this process generation is alive.
func (s *Supervisor) healthLoop(svc *service, process *hooks.Process) {
	defer s.wg.Done()
	ticker := time.NewTicker(svc.spec.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-process.Done():
			svc.setHealth(types.HealthUnknown)
			return
		case <-ticker.C:
		}

		health, result, err := s.runner.HealthCheck(s.ctx, svc.name(), svc.renderedHooksDir(), s.hookEnv(svc))
		if err != nil {
			s.logger.Warn(s.ctx, err, "health check failed to run", "service", svc.name())
			health = types.HealthUnknown
		}
		previous := svc.snapshot().Health
		svc.setHealth(health)
		if health != previous {
			s.logger.Info(s.ctx, "service health changed",
				"service", svc.name(), "health", string(health))
			if result != nil && health == types.HealthCritical {
				s.logger.Warn(s.ctx, nil, "health check output", "service", svc.name(), "output", result.Output)
			}
			s.announce(svc)
			s.wake()
		}
	}
}

func (s *Supervisor) hookEnv(svc *service) hooks.Env {
	return hooks.Env{
		Service:    svc.name(),
		ConfigPath: svc.svcDir,
		DataPath:   filepath.Join(svc.svcDir, "data"),
		VarPath:    filepath.Join(svc.svcDir, "var"),
	}
}

// renderService runs one render pass and applies reload or restart.
func (s *Supervisor) renderService(svc *service) (*render.Result, error) {
	rctx := &render.Context{
		Sys: render.SysInfo{
			MemberID:   s.memberID,
			IP:         s.sysIP,
			Hostname:   hostname(),
			GossipPort: portOf(s.cfg.Gossip.ListenAddr),
			HTTPPort:   portOf(s.cfg.Gateway.ListenAddr),
			Version:    s.version,
		},
		Pkg: &render.Package{
			Ident:         svc.spec.Ident,
			Path:          svc.sourceDir,
			SvcConfigPath: svc.svcDir,
			SvcDataPath:   filepath.Join(svc.svcDir, "data"),
			SvcVarPath:    filepath.Join(svc.svcDir, "var"),
		},
		Cfg:  svc.cfg.Merged(),
		Spec: svc.spec,
		Ring: s.ring,
	}
	return s.renderer.RenderService(s.ctx, svc.name(), svc.configTemplateDir(), svc.hookTemplateDir(), svc.svcDir, rctx)
}

// reconfigure re-renders one service and reacts to what changed.
func (s *Supervisor) reconfigure(svc *service) {
	if err := svc.cfg.LoadLayerFile(config.LayerUser, svc.userTomlPath()); err != nil {
		s.logger.Warn(s.ctx, err, "reading user.toml", "service", svc.name())
	}

	// a service parked on an unsatisfied bind gets another chance now
	if svc.isWaitingOnBind() && svc.spec.DesiredState == types.DesiredUp {
		if err := s.startService(svc); err != nil {
			s.logger.Error(s.ctx, err, "starting waiting service failed", "service", svc.name())
		}
		return
	}

	result, err := s.renderService(svc)
	if err != nil {
		var ube *render.UnsatisfiedBindError
		if errors.As(err, &ube) {
			s.logger.Warn(s.ctx, err, "bind no longer satisfied", "service", svc.name())
			return
		}
		s.logger.Error(s.ctx, err, "render failed", "service", svc.name())
		return
	}
	if !result.NeedsReload() {
		return
	}
	s.logger.Info(s.ctx, "configuration changed",
		"service", svc.name(), "files", strings.Join(result.Changed(), ","))
	s.announce(svc)

	svc.mutex.RLock()
	running := svc.process != nil && svc.process.Running()
	svc.mutex.RUnlock()
	if !running {
		return
	}

	if fuResult, err := s.runner.Run(s.ctx, svc.name(), svc.renderedHooksDir(), hooks.HookFileUpdated, s.hookEnv(svc)); err == nil {
		if hookErr := fuResult.Err(svc.name()); hookErr != nil {
			s.collector.AddError(hookErr)
		}
	}

	if result.NeedsRestart() {
		s.restartService(svc)
		return
	}
	if s.runner.Exists(svc.renderedHooksDir(), hooks.HookReload) {
		result, err := s.runner.Run(s.ctx, svc.name(), svc.renderedHooksDir(), hooks.HookReload, s.hookEnv(svc))
		if err == nil {
			if hookErr := result.Err(svc.name()); hookErr != nil {
				s.collector.AddError(hookErr)
			}
		}
		return
	}
	// no reload hook: a restart is the only way to pick up the change
	s.restartService(svc)
}

func (s *Supervisor) restartService(svc *service) {
	s.logger.Info(s.ctx, "restarting service", "service", svc.name())
	s.stopService(svc)
	svc.mutex.Lock()
	svc.restarts++
	svc.mutex.Unlock()
	if err := s.startService(svc); err != nil {
		s.logger.Error(s.ctx, err, "restart failed", "service", svc.name())
	}
}

// reconfigureLoop re-renders services whenever census, config, or watched
// files change.
func (s *Supervisor) reconfigureLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		}

		s.reconcileLeadership()
		s.mutex.RLock()
		services := make([]*service, 0, len(s.order))
		for _, name := range s.order {
			services = append(services, s.services[name])
		}
		s.mutex.RUnlock()
		for _, svc := range services {
			s.reconfigure(svc)
		}
	}
}

// agingLoop turns silent members suspect and then confirmed down.
func (s *Supervisor) agingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(gossip.DefaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if changed := s.ring.MarkSuspect(s.gossip.SuspectDeadline(now)); len(changed) > 0 {
				s.logger.Info(s.ctx, "members aged out", "members", strings.Join(changed, ","))
				s.wake()
			}
		}
	}
}

// reconcileLeadership runs the first-alive-wins election for leader
// topology groups with no current leader.
func (s *Supervisor) reconcileLeadership() {
	s.mutex.RLock()
	services := make([]*service, 0, len(s.order))
	for _, name := range s.order {
		services = append(services, s.services[name])
	}
	s.mutex.RUnlock()

	for _, svc := range services {
		if svc.spec.Topology != types.TopologyLeader {
			continue
		}
		sg := svc.spec.ServiceGroup()
		group, ok := s.ring.Group(sg)
		if !ok || group.Leader() != nil {
			continue
		}
		first := group.First()
		if first == nil || first.ID != s.memberID {
			continue
		}
		s.logger.Info(s.ctx, "claiming group leadership", "group", sg.String())
		rumor := gossip.NewElectionRumor(s.cfg.Gossip.Ring, s.memberID, sg, s.memberID)
		s.applyElection(rumor)
		s.gossip.Broadcast(rumor)
	}
}

// wake schedules a reconfigure pass; extra wakes coalesce.
func (s *Supervisor) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loaded(name string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.services[name]
	return ok
}

// localMember builds this supervisor's census entry for one service.
func (s *Supervisor) localMember(svc *service) census.Member {
	return census.Member{
		ID:          s.memberID,
		IP:          s.sysIP,
		Hostname:    hostname(),
		GossipPort:  portOf(s.cfg.Gossip.ListenAddr),
		HTTPPort:    portOf(s.cfg.Gateway.ListenAddr),
		Health:      census.HealthAlive,
		Incarnation: s.incarnation.Load(),
		Exports:     svc.cfg.Merged(),
		LastSeen:    time.Now(),
		Leader:      s.isLeader(svc.spec.ServiceGroup()),
	}
}

func (s *Supervisor) isLeader(sg types.ServiceGroup) bool {
	group, ok := s.ring.Group(sg)
	if !ok {
		return false
	}
	leader := group.Leader()
	return leader != nil && leader.ID == s.memberID
}

// announce refreshes our entry in the local census and gossips it.
func (s *Supervisor) announce(svc *service) {
	s.incarnation.Add(1)
	member := s.localMember(svc)
	sg := svc.spec.ServiceGroup()
	s.ring.Apply(sg, member)
	s.gossip.Broadcast(gossip.NewMemberRumor(s.cfg.Gossip.Ring, s.memberID, sg, member))
}

// ApplyRumor implements gossip.Handler.
func (s *Supervisor) ApplyRumor(r gossip.Rumor) bool {
	switch r.Kind {
	case gossip.RumorMember:
		if r.Member.ID == s.memberID {
			return false
		}
		sg, err := types.ParseServiceGroup(r.ServiceGroup)
		if err != nil {
			return false
		}
		switch s.ring.Apply(sg, *r.Member) {
		case census.ApplyChanged:
			s.wake()
			return true
		case census.ApplyRefreshed:
			// pure liveness: nothing to reconfigure here, but peers
			// further along the ring still need the heartbeat
			return true
		}
		return false

	case gossip.RumorServiceConfig:
		return s.applyConfigPush(r)

	case gossip.RumorDeparture:
		if r.MemberID == s.memberID {
			s.logger.Warn(s.ctx, nil, "ignoring departure rumor naming this supervisor")
			return false
		}
		if s.ring.Depart(r.MemberID) {
			s.wake()
			return true
		}
		return false

	case gossip.RumorElection:
		return s.applyElection(r)
	}
	return false
}

func (s *Supervisor) applyConfigPush(r gossip.Rumor) bool {
	s.mutex.Lock()
	stored := s.groupConfigs[r.ServiceGroup]
	fresh := stored == nil || r.Config.Incarnation > stored.Incarnation
	if fresh {
		s.groupConfigs[r.ServiceGroup] = r.Config
	}
	var target *service
	for _, svc := range s.services {
		if svc.spec.ServiceGroup().String() == r.ServiceGroup {
			target = svc
			break
		}
	}
	s.mutex.Unlock()
	if !fresh {
		return false
	}

	if target != nil {
		changed, err := target.cfg.ApplyGossip(r.Config.Incarnation, []byte(r.Config.TOML))
		if err != nil {
			s.logger.Warn(s.ctx, err, "bad config push", "group", r.ServiceGroup)
			return false
		}
		if changed {
			s.logger.Info(s.ctx, "configuration pushed",
				"group", r.ServiceGroup, "incarnation", r.Config.Incarnation)
			s.wake()
		}
	}
	return true
}

func (s *Supervisor) applyElection(r gossip.Rumor) bool {
	sg, err := types.ParseServiceGroup(r.ServiceGroup)
	if err != nil {
		return false
	}
	group, ok := s.ring.Group(sg)
	if !ok {
		return false
	}
	changed := false
	for _, m := range group.Members() {
		member := *m
		member.Leader = member.ID == r.MemberID
		if member.Leader == m.Leader {
			continue
		}
		if s.ring.Apply(sg, member) == census.ApplyChanged {
			changed = true
		}
	}
	if changed {
		s.wake()
	}
	return changed
}

// LocalRumors implements gossip.Handler: our membership in every loaded
// service group, for heartbeats and anti-entropy sync.
func (s *Supervisor) LocalRumors() []gossip.Rumor {
	s.mutex.RLock()
	services := make([]*service, 0, len(s.order))
	for _, name := range s.order {
		services = append(services, s.services[name])
	}
	s.mutex.RUnlock()

	out := make([]gossip.Rumor, 0, len(services))
	for _, svc := range services {
		member := s.localMember(svc)
		s.ring.Apply(svc.spec.ServiceGroup(), member)
		out = append(out, gossip.NewMemberRumor(s.cfg.Gossip.Ring, s.memberID, svc.spec.ServiceGroup(), member))
	}
	return out
}

// PushConfig applies a config push locally and gossips it to the group.
func (s *Supervisor) PushConfig(sg types.ServiceGroup, incarnation uint64, rawTOML []byte) error {
	rumor := gossip.NewConfigRumor(s.cfg.Gossip.Ring, s.memberID, sg, incarnation, rawTOML)
	if err := rumor.Validate(); err != nil {
		return err
	}
	if !s.applyConfigPush(rumor) {
		return fmt.Errorf("config for %s at incarnation %d is not newer", sg, incarnation)
	}
	s.gossip.Broadcast(rumor)
	return nil
}

// Depart permanently removes a member from the ring and tells the peers.
func (s *Supervisor) Depart(memberID string) error {
	if memberID == s.memberID {
		return fmt.Errorf("refusing to depart the local supervisor")
	}
	rumor := gossip.NewDepartureRumor(s.cfg.Gossip.Ring, s.memberID, memberID)
	s.ring.Depart(memberID)
	s.gossip.Broadcast(rumor)
	s.wake()
	return nil
}

// handleFileEvents reacts to spec, user.toml, and peer file changes.
func (s *Supervisor) handleFileEvents(events []watcher.ChangeEvent) error {
	specDir := s.specs.Dir()
	peerFile := s.cfg.Gossip.PeerWatchFile
	var specsTouched, configTouched bool
	for _, event := range events {
		switch {
		case peerFile != "" && event.Path == peerFile:
			s.loadPeerFile(peerFile)
		case filepath.Dir(event.Path) == specDir && strings.HasSuffix(event.Path, ".spec"):
			specsTouched = true
		case filepath.Base(event.Path) == "user.toml":
			configTouched = true
		}
	}
	if specsTouched {
		s.reconcileSpecs()
	}
	if configTouched {
		s.wake()
	}
	return nil
}

// reconcileSpecs diffs the spec directory against loaded services.
func (s *Supervisor) reconcileSpecs() {
	specs, failures := s.specs.LoadAll()
	for name, err := range failures {
		s.logger.Warn(s.ctx, err, "skipping unreadable spec", "file", name)
	}

	onDisk := make(map[string]*types.ServiceSpec, len(specs))
	for _, spec := range specs {
		onDisk[spec.Ident.Name] = spec
	}

	s.mutex.RLock()
	loaded := make(map[string]*types.ServiceSpec, len(s.services))
	for name, svc := range s.services {
		loaded[name] = svc.spec
	}
	s.mutex.RUnlock()

	for name := range loaded {
		if _, ok := onDisk[name]; !ok {
			if err := s.Unload(name); err != nil {
				s.logger.Warn(s.ctx, err, "unload failed", "service", name)
			}
		}
	}
	for name, spec := range onDisk {
		current, ok := loaded[name]
		if !ok {
			if err := s.Load(spec); err != nil {
				s.logger.Error(s.ctx, err, "loading service failed", "service", name)
			}
			continue
		}
		if !reflect.DeepEqual(current, spec) {
			s.logger.Info(s.ctx, "spec changed, reloading service", "service", name)
			if err := s.Unload(name); err != nil {
				s.logger.Warn(s.ctx, err, "unload failed", "service", name)
				continue
			}
			if err := s.Load(spec); err != nil {
				s.logger.Error(s.ctx, err, "loading service failed", "service", name)
			}
		}
	}
}

func (s *Supervisor) loadPeerFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn(s.ctx, err, "reading peer watch file", "path", path)
		return
	}
	var peers []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			peers = append(peers, line)
		}
	}
	s.logger.Info(s.ctx, "peer watch file changed", "path", path, "peers", len(peers))
	s.gossip.SetPeers(peers)
}

// loadMemberID reads or creates the persistent member id for this data dir.
func loadMemberID(dataPath string) (string, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dataPath, "MEMBER_ID")
	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// localIP picks the first non-loopback IPv4 address.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(port, "%d", &n); err != nil {
		return 0
	}
	return n
}
