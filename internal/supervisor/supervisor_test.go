package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-sh/roost/internal/census"
	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/gossip"
	"github.com/roost-sh/roost/internal/types"
)

// servicePackage lays out a config_from directory: default.toml, config
// templates, and hooks.
func servicePackage(t *testing.T, defaultToml string, templates, hookScripts map[string]string) string {
	t.Helper()
	root := t.TempDir()
	if defaultToml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(root, "default.toml"), []byte(defaultToml), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))
	for name, content := range templates {
		require.NoError(t, os.WriteFile(filepath.Join(root, "config", name), []byte(content), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "hooks"), 0o755))
	for name, content := range hookScripts {
		require.NoError(t, os.WriteFile(filepath.Join(root, "hooks", name), []byte("#!/bin/sh\n"+content), 0o644))
	}
	return root
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := &config.Config{
		Supervisor: config.SupervisorConfig{DataPath: t.TempDir()},
		Gossip:     config.GossipConfig{ListenAddr: "127.0.0.1:0", Ring: "test"},
		Gateway:    config.GatewayConfig{ListenAddr: "127.0.0.1:0"},
	}
	s, err := New(cfg, nil, "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, status := range s.Services() {
			_ = s.Unload(status.Name)
		}
		s.cancel()
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMemberIDIsStable(t *testing.T) {
	dir := t.TempDir()
	first, err := loadMemberID(dir)
	require.NoError(t, err)
	second, err := loadMemberID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestLoadRequiresConfigSource(t *testing.T) {
	s := newTestSupervisor(t)
	spec := &types.ServiceSpec{IdentString: "core/nginx"}
	err := s.Load(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config_from")
}

func TestLoadStartsServiceAndRendersConfig(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t,
		"port = 8080\n",
		map[string]string{"app.conf": "port={{cfg.port}} host={{sys.ip}}\n"},
		map[string]string{"run": "sleep 30\n"},
	)

	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg}
	require.NoError(t, s.Load(spec))

	status, ok := s.Service("nginx")
	require.True(t, ok)
	assert.Equal(t, types.ProcessUp, status.State)
	assert.Greater(t, status.PID, 0)

	rendered, err := os.ReadFile(filepath.Join(s.cfg.SvcDir("nginx"), "app.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "port=8080")

	// the spec survives in the store
	saved, err := s.specs.Load("nginx")
	require.NoError(t, err)
	assert.Equal(t, "core/nginx", saved.IdentString)

	// and the local census lists us
	group, ok := s.ring.Group(spec.ServiceGroup())
	require.True(t, ok)
	require.Len(t, group.AliveMembers(), 1)
	assert.Equal(t, s.MemberID(), group.AliveMembers()[0].ID)
}

func TestLoadDesiredDownDoesNotStart(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t, "", nil, map[string]string{"run": "sleep 30\n"})

	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg, DesiredState: types.DesiredDown}
	require.NoError(t, s.Load(spec))

	status, ok := s.Service("nginx")
	require.True(t, ok)
	assert.Equal(t, types.ProcessDown, status.State)
	assert.Zero(t, status.PID)
}

func TestUnloadStopsProcessAndRetiresMember(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t, "", nil, map[string]string{"run": "sleep 30\n"})
	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg}
	require.NoError(t, s.Load(spec))

	require.NoError(t, s.Unload("nginx"))
	_, ok := s.Service("nginx")
	assert.False(t, ok)

	group, ok := s.ring.Group(spec.ServiceGroup())
	require.True(t, ok)
	assert.Empty(t, group.AliveMembers())
}

func TestReloadedServiceRejoinsCensus(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t, "", nil, map[string]string{"run": "sleep 30\n"})

	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg, DesiredState: types.DesiredDown}
	require.NoError(t, s.Load(spec))
	require.NoError(t, s.Unload("nginx"))

	// the same stable member id comes back alive when the service loads
	// again, as it does on the spec-changed reload path
	respec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg, DesiredState: types.DesiredDown}
	require.NoError(t, s.Load(respec))

	group, ok := s.ring.Group(respec.ServiceGroup())
	require.True(t, ok)
	require.Len(t, group.AliveMembers(), 1)
	assert.Equal(t, s.MemberID(), group.AliveMembers()[0].ID)
}

func TestReconfigureReactsToUserToml(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t,
		"port = 8080\n",
		map[string]string{"app.conf": "port={{cfg.port}}\n"},
		map[string]string{"run": "sleep 30\n", "reload": "exit 0\n"},
	)
	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg}
	require.NoError(t, s.Load(spec))

	before, _ := s.Service("nginx")
	userToml := filepath.Join(s.cfg.SvcDir("nginx"), "user.toml")
	require.NoError(t, os.WriteFile(userToml, []byte("port = 9090\n"), 0o644))

	s.mutex.RLock()
	svc := s.services["nginx"]
	s.mutex.RUnlock()
	s.reconfigure(svc)

	rendered, err := os.ReadFile(filepath.Join(s.cfg.SvcDir("nginx"), "app.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "port=9090")

	// a reload hook exists, so the process is not restarted
	after, _ := s.Service("nginx")
	assert.Equal(t, before.PID, after.PID)
}

func TestApplyRumorMemberUpdatesCensus(t *testing.T) {
	s := newTestSupervisor(t)
	sg, err := types.ParseServiceGroup("app.default")
	require.NoError(t, err)

	member := census.Member{ID: "peer-1", IP: "10.0.0.2", Health: census.HealthAlive, Incarnation: 1, LastSeen: time.Now()}
	rumor := gossip.NewMemberRumor("test", "peer-1", sg, member)

	assert.True(t, s.ApplyRumor(rumor))
	group, ok := s.ring.Group(sg)
	require.True(t, ok)
	assert.Len(t, group.AliveMembers(), 1)

	// a same-incarnation heartbeat is a liveness refresh: it still gets
	// forwarded so supervisors further along the ring see it
	beat := member
	beat.LastSeen = time.Now().Add(time.Minute)
	assert.True(t, s.ApplyRumor(gossip.NewMemberRumor("test", "peer-1", sg, beat)))
	group, _ = s.ring.Group(sg)
	assert.Equal(t, beat.LastSeen, group.Members()[0].LastSeen)

	// an older incarnation is stale and stops here
	stale := member
	stale.Incarnation = 0
	assert.False(t, s.ApplyRumor(gossip.NewMemberRumor("test", "peer-1", sg, stale)))
}

func TestApplyRumorIgnoresOwnMembership(t *testing.T) {
	s := newTestSupervisor(t)
	sg, err := types.ParseServiceGroup("app.default")
	require.NoError(t, err)

	member := census.Member{ID: s.MemberID(), IP: "10.0.0.2", Health: census.HealthAlive, Incarnation: 99}
	assert.False(t, s.ApplyRumor(gossip.NewMemberRumor("test", "peer", sg, member)))
}

func TestApplyRumorDeparture(t *testing.T) {
	s := newTestSupervisor(t)
	sg, err := types.ParseServiceGroup("app.default")
	require.NoError(t, err)
	member := census.Member{ID: "peer-1", Health: census.HealthAlive, Incarnation: 1, LastSeen: time.Now()}
	require.True(t, s.ApplyRumor(gossip.NewMemberRumor("test", "peer-1", sg, member)))

	assert.True(t, s.ApplyRumor(gossip.NewDepartureRumor("test", "peer-2", "peer-1")))
	group, _ := s.ring.Group(sg)
	assert.Empty(t, group.AliveMembers())

	// departure rumors naming this supervisor are ignored
	assert.False(t, s.ApplyRumor(gossip.NewDepartureRumor("test", "peer-2", s.MemberID())))
}

func TestApplyRumorConfigPushBeforeServiceLoads(t *testing.T) {
	s := newTestSupervisor(t)
	sg, err := types.ParseServiceGroup("nginx.default")
	require.NoError(t, err)

	// push arrives while no local service is in the group
	rumor := gossip.NewConfigRumor("test", "peer", sg, 5, []byte("port = 7777\n"))
	assert.True(t, s.ApplyRumor(rumor))

	pkg := servicePackage(t, "port = 8080\n", nil, map[string]string{"run": "sleep 30\n"})
	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg, DesiredState: types.DesiredDown}
	require.NoError(t, s.Load(spec))

	s.mutex.RLock()
	svc := s.services["nginx"]
	s.mutex.RUnlock()
	assert.Equal(t, int64(7777), svc.cfg.Merged()["port"])

	// a stale push is rejected
	stale := gossip.NewConfigRumor("test", "peer", sg, 4, []byte("port = 1\n"))
	assert.False(t, s.ApplyRumor(stale))
}

func TestApplyRumorElection(t *testing.T) {
	s := newTestSupervisor(t)
	sg, err := types.ParseServiceGroup("app.default")
	require.NoError(t, err)
	for _, id := range []string{"m-a", "m-b"} {
		member := census.Member{ID: id, Health: census.HealthAlive, Incarnation: 1, LastSeen: time.Now()}
		require.True(t, s.ApplyRumor(gossip.NewMemberRumor("test", id, sg, member)))
	}

	assert.True(t, s.ApplyRumor(gossip.NewElectionRumor("test", "m-a", sg, "m-b")))
	group, _ := s.ring.Group(sg)
	leader := group.Leader()
	require.NotNil(t, leader)
	assert.Equal(t, "m-b", leader.ID)

	// re-announcing the same leader changes nothing
	assert.False(t, s.ApplyRumor(gossip.NewElectionRumor("test", "m-a", sg, "m-b")))
}

func TestLocalRumorsCoverLoadedServices(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t, "port = 8080\n", nil, map[string]string{"run": "sleep 30\n"})
	for _, ident := range []string{"core/nginx", "core/redis"} {
		spec := &types.ServiceSpec{IdentString: ident, ConfigFrom: pkg, DesiredState: types.DesiredDown}
		require.NoError(t, s.Load(spec))
	}

	rumors := s.LocalRumors()
	require.Len(t, rumors, 2)
	for _, r := range rumors {
		assert.Equal(t, gossip.RumorMember, r.Kind)
		assert.Equal(t, s.MemberID(), r.Member.ID)
		require.NoError(t, r.Validate())
		assert.Equal(t, int64(8080), r.Member.Exports["port"])
	}
}

func TestReconcileSpecsLoadsAndUnloads(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t, "", nil, map[string]string{"run": "sleep 30\n"})

	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg, DesiredState: types.DesiredDown}
	require.NoError(t, s.specs.Save(spec))
	s.reconcileSpecs()
	_, ok := s.Service("nginx")
	assert.True(t, ok)

	require.NoError(t, s.specs.Remove("nginx"))
	s.reconcileSpecs()
	_, ok = s.Service("nginx")
	assert.False(t, ok)
}

func TestServiceWaitsOnUnsatisfiedBind(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t,
		"",
		map[string]string{"app.conf": "backend={{bind.backend.first.ip}}\n"},
		map[string]string{"run": "sleep 30\n"},
	)
	spec := &types.ServiceSpec{IdentString: "core/web", ConfigFrom: pkg, Binds: []string{"backend:app.default"}}
	require.NoError(t, s.Load(spec))

	status, ok := s.Service("web")
	require.True(t, ok)
	assert.Equal(t, types.ProcessWaiting, status.State)
	assert.Zero(t, status.PID)

	// a producer appearing in the census unblocks the service
	sg, err := types.ParseServiceGroup("app.default")
	require.NoError(t, err)
	member := census.Member{ID: "producer", IP: "10.0.0.9", Health: census.HealthAlive, Incarnation: 1, LastSeen: time.Now()}
	require.True(t, s.ApplyRumor(gossip.NewMemberRumor("test", "producer", sg, member)))

	s.mutex.RLock()
	svc := s.services["web"]
	s.mutex.RUnlock()
	s.reconfigure(svc)

	status, _ = s.Service("web")
	assert.Equal(t, types.ProcessUp, status.State)

	rendered, err := os.ReadFile(filepath.Join(s.cfg.SvcDir("web"), "app.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "backend=10.0.0.9")
}

func TestCrashedServiceRestarts(t *testing.T) {
	s := newTestSupervisor(t)
	pkg := servicePackage(t, "", nil, map[string]string{"run": "exit 1\n"})
	spec := &types.ServiceSpec{IdentString: "core/flappy", ConfigFrom: pkg}
	require.NoError(t, s.Load(spec))

	waitFor(t, 10*time.Second, func() bool {
		status, ok := s.Service("flappy")
		return ok && status.Restarts >= 1
	})
}
