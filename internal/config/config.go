// Package config provides configuration management for the roost supervisor
// using Viper for flexible loading from files, environment variables, and
// command-line flags, plus the layered TOML configuration that backs each
// service's cfg namespace.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Default listen addresses for the supervisor's gateways.
const (
	DefaultGossipListen = "0.0.0.0:9638"
	DefaultHTTPListen   = "0.0.0.0:9631"
)

type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
	Gossip     GossipConfig     `yaml:"gossip" mapstructure:"gossip"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// SupervisorConfig holds the supervisor's own settings.
type SupervisorConfig struct {
	// DataPath is the root for spec files, rendered service directories,
	// and ring state.
	DataPath string `yaml:"data_path" mapstructure:"data_path"`
	// ConfigFrom overrides package config directories for every service,
	// for iterating on templates without rebuilding packages.
	ConfigFrom string `yaml:"config_from" mapstructure:"config_from"`
	// Organization the supervisor and its services belong to.
	Organization string `yaml:"organization" mapstructure:"organization"`
	// SysIP overrides the address reported as sys.ip in template data.
	SysIP string `yaml:"sys_ip" mapstructure:"sys_ip"`
}

// GossipConfig holds gossip ring settings.
type GossipConfig struct {
	ListenAddr    string   `yaml:"listen_addr" mapstructure:"listen_addr"`
	Peers         []string `yaml:"peers" mapstructure:"peers"`
	PermanentPeer bool     `yaml:"permanent_peer" mapstructure:"permanent_peer"`
	PeerWatchFile string   `yaml:"peer_watch_file" mapstructure:"peer_watch_file"`
	// Ring names the gossip ring; supervisors only exchange rumors with
	// peers on the same ring.
	Ring string `yaml:"ring" mapstructure:"ring"`
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
	Disable    bool   `yaml:"disable" mapstructure:"disable"`
	AuthToken  string `yaml:"auth_token" mapstructure:"auth_token"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// Load builds a Config from viper's merged sources (flags, ROOST_* env,
// .roost.yml) and validates it.
func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Gossip.ListenAddr == "" {
		config.Gossip.ListenAddr = viper.GetString("gossip.listen_addr")
	}
	if len(config.Gossip.Peers) == 0 {
		config.Gossip.Peers = viper.GetStringSlice("gossip.peers")
	}

	applyDefaults(&config)
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Supervisor.DataPath == "" {
		config.Supervisor.DataPath = filepath.Join(os.TempDir(), "roost")
	}
	if config.Gossip.ListenAddr == "" {
		config.Gossip.ListenAddr = DefaultGossipListen
	}
	if config.Gateway.ListenAddr == "" {
		config.Gateway.ListenAddr = DefaultHTTPListen
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
}

func validate(config *Config) error {
	if err := validateAddr("gossip.listen_addr", config.Gossip.ListenAddr); err != nil {
		return err
	}
	if !config.Gateway.Disable {
		if err := validateAddr("gateway.listen_addr", config.Gateway.ListenAddr); err != nil {
			return err
		}
	}
	for _, peer := range config.Gossip.Peers {
		if err := validateAddr("gossip.peers", withDefaultPort(peer, gossipPort(config.Gossip.ListenAddr))); err != nil {
			return err
		}
	}
	if config.Gossip.PeerWatchFile != "" && len(config.Gossip.Peers) > 0 {
		return fmt.Errorf("gossip.peer_watch_file conflicts with gossip.peers")
	}
	if config.Supervisor.SysIP != "" && net.ParseIP(config.Supervisor.SysIP) == nil {
		return fmt.Errorf("supervisor.sys_ip: %q is not a valid IP address", config.Supervisor.SysIP)
	}
	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: %q is not one of debug, info, warn, error", config.Logging.Level)
	}
	return nil
}

func validateAddr(field, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %q is not a host:port address", field, addr)
	}
	if host == "" || port == "" {
		return fmt.Errorf("%s: %q is missing a host or port", field, addr)
	}
	return nil
}

// PeerAddrs returns the configured peers with the gossip port appended to
// any bare addresses.
func (c *Config) PeerAddrs() []string {
	port := gossipPort(c.Gossip.ListenAddr)
	out := make([]string, 0, len(c.Gossip.Peers))
	for _, peer := range c.Gossip.Peers {
		out = append(out, withDefaultPort(peer, port))
	}
	return out
}

// SpecDir is where service spec files live.
func (c *Config) SpecDir() string {
	return filepath.Join(c.Supervisor.DataPath, "specs")
}

// SvcDir is the run directory for a service.
func (c *Config) SvcDir(service string) string {
	return filepath.Join(c.Supervisor.DataPath, "svc", service)
}

func gossipPort(listenAddr string) string {
	if _, port, err := net.SplitHostPort(listenAddr); err == nil {
		return port
	}
	return "9638"
}

func withDefaultPort(addr, port string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return net.JoinHostPort(addr, port)
}
