package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWith(t *testing.T, values map[string]interface{}) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for k, v := range values {
		viper.Set(k, v)
	}
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(t, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultGossipListen, cfg.Gossip.ListenAddr)
	assert.Equal(t, DefaultHTTPListen, cfg.Gateway.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Supervisor.DataPath)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadWith(t, map[string]interface{}{
		"gossip.listen_addr":  "127.0.0.1:9700",
		"gossip.peers":        []string{"10.1.1.1", "10.1.1.2:9999"},
		"gateway.listen_addr": "127.0.0.1:9701",
		"logging.level":       "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9700", cfg.Gossip.ListenAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// bare peers get the gossip port appended
	assert.Equal(t, []string{"10.1.1.1:9700", "10.1.1.2:9999"}, cfg.PeerAddrs())
}

func TestLoadRejectsBadListenAddr(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{
		"gossip.listen_addr": "not-an-address",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gossip.listen_addr")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{
		"logging.level": "loud",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestLoadRejectsBadSysIP(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{
		"supervisor.sys_ip": "999.1.1.1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sys_ip")
}

func TestLoadRejectsPeerFileWithPeers(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{
		"gossip.peers":           []string{"10.1.1.1"},
		"gossip.peer_watch_file": "/tmp/peers",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer_watch_file")
}

func TestSpecAndSvcDirs(t *testing.T) {
	cfg, err := loadWith(t, map[string]interface{}{
		"supervisor.data_path": "/var/lib/roost",
	})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/roost/specs", cfg.SpecDir())
	assert.Equal(t, "/var/lib/roost/svc/nginx", cfg.SvcDir("nginx"))
}
