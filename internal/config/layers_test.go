package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfigPrecedence(t *testing.T) {
	sc := NewServiceConfig()

	require.NoError(t, sc.SetLayer(LayerDefault, []byte(`
port = 8080
workers = 2

[tls]
enabled = false
cert = "default.pem"
`)))
	require.NoError(t, sc.SetLayer(LayerUser, []byte(`
workers = 8

[tls]
enabled = true
`)))

	merged := sc.Merged()
	assert.EqualValues(t, 8080, merged["port"])
	assert.EqualValues(t, 8, merged["workers"])

	tls, ok := merged["tls"].(map[string]interface{})
	require.True(t, ok)
	// nested maps merge: user override wins, untouched keys survive
	assert.Equal(t, true, tls["enabled"])
	assert.Equal(t, "default.pem", tls["cert"])
}

func TestServiceConfigArraysReplace(t *testing.T) {
	sc := NewServiceConfig()
	require.NoError(t, sc.SetLayer(LayerDefault, []byte(`members = ["a", "b"]`)))
	require.NoError(t, sc.SetLayer(LayerGossip, []byte(`members = ["c"]`)))

	merged := sc.Merged()
	assert.Equal(t, []interface{}{"c"}, merged["members"])
}

func TestServiceConfigGossipIncarnation(t *testing.T) {
	sc := NewServiceConfig()

	changed, err := sc.ApplyGossip(3, []byte(`port = 9000`))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 9000, sc.Merged()["port"])

	// stale incarnation is ignored
	changed, err = sc.ApplyGossip(2, []byte(`port = 1`))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.EqualValues(t, 9000, sc.Merged()["port"])

	// equal incarnation is ignored too
	changed, err = sc.ApplyGossip(3, []byte(`port = 1`))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = sc.ApplyGossip(4, []byte(`port = 9001`))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 9001, sc.Merged()["port"])
	assert.EqualValues(t, 4, sc.Incarnation())
}

func TestServiceConfigBadTOML(t *testing.T) {
	sc := NewServiceConfig()
	err := sc.SetLayer(LayerDefault, []byte(`port = `))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}

func TestLoadLayerFileMissingClearsLayer(t *testing.T) {
	dir := t.TempDir()
	userToml := filepath.Join(dir, "user.toml")
	require.NoError(t, os.WriteFile(userToml, []byte(`port = 1234`), 0o644))

	sc := NewServiceConfig()
	require.NoError(t, sc.SetLayer(LayerDefault, []byte(`port = 8080`)))
	require.NoError(t, sc.LoadLayerFile(LayerUser, userToml))
	assert.EqualValues(t, 1234, sc.Merged()["port"])

	require.NoError(t, os.Remove(userToml))
	require.NoError(t, sc.LoadLayerFile(LayerUser, userToml))
	assert.EqualValues(t, 8080, sc.Merged()["port"])
}

func TestLoadEnvironmentLayer(t *testing.T) {
	t.Setenv("ROOST_MY_SVC", `port = 4444`)

	sc := NewServiceConfig()
	require.NoError(t, sc.SetLayer(LayerDefault, []byte(`port = 8080`)))
	require.NoError(t, sc.LoadEnvironment("my-svc"))
	assert.EqualValues(t, 4444, sc.Merged()["port"])
}

func TestLoadEnvironmentInvalidTOML(t *testing.T) {
	t.Setenv("ROOST_BROKEN", `not toml at all ===`)
	sc := NewServiceConfig()
	err := sc.LoadEnvironment("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROOST_BROKEN")
}

func TestLayerString(t *testing.T) {
	assert.Equal(t, "default", LayerDefault.String())
	assert.Equal(t, "environment", LayerEnvironment.String())
	assert.Equal(t, "gossip", LayerGossip.String())
	assert.Equal(t, "user", LayerUser.String())
}
