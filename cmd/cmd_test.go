package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/server"
	"github.com/roost-sh/roost/internal/supervisor"
	"github.com/roost-sh/roost/internal/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetCommandFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// resetCommandFlags returns every flag in the command tree to its default
// so one Execute call's flags do not leak into the next.
func resetCommandFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if slice, ok := f.Value.(pflag.SliceValue); ok {
			_ = slice.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().Visit(reset)
	c.PersistentFlags().Visit(reset)
	for _, sub := range c.Commands() {
		resetCommandFlags(sub)
	}
}

func useDataPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	viper.Set("supervisor.data_path", dir)
	t.Cleanup(func() { viper.Set("supervisor.data_path", "") })
	return dir
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "roost")
}

func TestRenderCommand(t *testing.T) {
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "default.toml"), []byte("port = 8080\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(source, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "config", "app.conf"),
		[]byte("listen {{sys.ip}}:{{cfg.port}}\n"), 0o644))

	outDir := t.TempDir()
	out, err := execute(t, "render", source, "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(outDir, "app.conf"))

	rendered, err := os.ReadFile(filepath.Join(outDir, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "listen 127.0.0.1:8080\n", string(rendered))
}

func TestRenderCommandLayersCfgFiles(t *testing.T) {
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "default.toml"), []byte("port = 8080\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(source, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "config", "app.conf"), []byte("{{cfg.port}}\n"), 0o644))

	override := filepath.Join(t.TempDir(), "override.toml")
	require.NoError(t, os.WriteFile(override, []byte("port = 9999\n"), 0o644))

	outDir := t.TempDir()
	_, err := execute(t, "render", source, "--out", outDir, "--cfg", override)
	require.NoError(t, err)

	rendered, err := os.ReadFile(filepath.Join(outDir, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "9999\n", string(rendered))
}

func TestRenderCommandFlagsDoNotCarryOver(t *testing.T) {
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "default.toml"), []byte("port = 8080\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(source, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "config", "app.conf"), []byte("{{cfg.port}}\n"), 0o644))

	override := filepath.Join(t.TempDir(), "override.toml")
	require.NoError(t, os.WriteFile(override, []byte("port = 9999\n"), 0o644))

	_, err := execute(t, "render", source, "--out", t.TempDir(), "--cfg", override)
	require.NoError(t, err)

	// a second run without --cfg must not see the previous override
	outDir := t.TempDir()
	_, err = execute(t, "render", source, "--out", outDir)
	require.NoError(t, err)

	rendered, err := os.ReadFile(filepath.Join(outDir, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "8080\n", string(rendered))
}

func TestRenderCommandStrictFailure(t *testing.T) {
	source := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(source, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "config", "bad.conf"), []byte("{{cfg.absent}}\n"), 0o644))

	out, err := execute(t, "render", source, "--out", t.TempDir(), "--strict=true")
	require.Error(t, err)
	assert.Contains(t, out, "bad.conf")
}

func TestSvcLoadWritesSpec(t *testing.T) {
	dataPath := useDataPath(t)

	out, err := execute(t, "svc", "load", "core/nginx",
		"--group", "web", "--topology", "leader", "--bind", "backend:app.default")
	require.NoError(t, err)
	assert.Contains(t, out, "nginx.web")

	store, err := supervisor.NewSpecStore(filepath.Join(dataPath, "specs"))
	require.NoError(t, err)
	spec, err := store.Load("nginx")
	require.NoError(t, err)
	assert.Equal(t, types.TopologyLeader, spec.Topology)
	assert.Equal(t, []string{"backend:app.default"}, spec.Binds)
}

func TestSvcLoadRejectsBadTopology(t *testing.T) {
	useDataPath(t)
	_, err := execute(t, "svc", "load", "core/nginx", "--topology", "mesh")
	require.Error(t, err)
}

func TestSvcUnload(t *testing.T) {
	useDataPath(t)
	_, err := execute(t, "svc", "load", "core/nginx", "--group", types.DefaultGroup, "--topology", "standalone")
	require.NoError(t, err)

	out, err := execute(t, "svc", "unload", "nginx")
	require.NoError(t, err)
	assert.Contains(t, out, "Unloaded nginx")

	_, err = execute(t, "svc", "unload", "nginx")
	require.Error(t, err)
}

func TestSvcStatusAgainstGateway(t *testing.T) {
	cfg := &config.Config{
		Supervisor: config.SupervisorConfig{DataPath: t.TempDir()},
		Gossip:     config.GossipConfig{ListenAddr: "127.0.0.1:0", Ring: "test"},
		Gateway:    config.GatewayConfig{ListenAddr: "127.0.0.1:0"},
	}
	sup, err := supervisor.New(cfg, nil, "test")
	require.NoError(t, err)

	pkg := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(pkg, "hooks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkg, "hooks", "run"), []byte("#!/bin/sh\nsleep 30\n"), 0o700))
	spec := &types.ServiceSpec{IdentString: "core/nginx", ConfigFrom: pkg, DesiredState: types.DesiredDown}
	require.NoError(t, sup.Load(spec))

	gateway := server.New(cfg.Gateway, sup, nil, "test")
	require.NoError(t, gateway.Start())
	t.Cleanup(func() { _ = sup.Unload("nginx") })

	out, err := execute(t, "svc", "status", "--remote-sup", gateway.Addr(), "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "nginx.default")
	assert.Contains(t, out, "down")
}
