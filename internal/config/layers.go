package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Layer identifies one source in a service's configuration stack, listed
// here in precedence order from lowest to highest.
type Layer int

const (
	// LayerDefault is the package's default.toml.
	LayerDefault Layer = iota
	// LayerEnvironment is inline TOML from the ROOST_<SERVICE> variable.
	LayerEnvironment
	// LayerGossip is configuration pushed to the service group at runtime.
	LayerGossip
	// LayerUser is the operator's user.toml, which wins over everything.
	LayerUser
	layerCount
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerDefault:
		return "default"
	case LayerEnvironment:
		return "environment"
	case LayerGossip:
		return "gossip"
	case LayerUser:
		return "user"
	default:
		return "unknown"
	}
}

// ServiceConfig assembles a service's cfg namespace from its layered TOML
// sources. The gossip layer carries an incarnation; stale pushes are
// rejected. Safe for concurrent use.
type ServiceConfig struct {
	mutex       sync.RWMutex
	layers      [layerCount]map[string]interface{}
	incarnation uint64
}

// NewServiceConfig returns an empty configuration stack.
func NewServiceConfig() *ServiceConfig {
	return &ServiceConfig{}
}

// SetLayer replaces one layer from raw TOML.
func (sc *ServiceConfig) SetLayer(layer Layer, raw []byte) error {
	parsed := map[string]interface{}{}
	if err := toml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing %s config: %w", layer, err)
	}
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	sc.layers[layer] = normalizeMap(parsed)
	return nil
}

// LoadLayerFile loads one layer from a TOML file. A missing file clears the
// layer rather than erroring, so deleting user.toml reverts its overrides.
func (sc *ServiceConfig) LoadLayerFile(layer Layer, path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		sc.mutex.Lock()
		sc.layers[layer] = nil
		sc.mutex.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	return sc.SetLayer(layer, raw)
}

// LoadEnvironment loads the environment layer from ROOST_<SERVICE>, with
// the service name uppercased and hyphens mapped to underscores.
func (sc *ServiceConfig) LoadEnvironment(service string) error {
	key := "ROOST_" + strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	if err := sc.SetLayer(LayerEnvironment, []byte(raw)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// ApplyGossip replaces the gossip layer if incarnation is strictly newer.
// It reports whether the layer changed.
func (sc *ServiceConfig) ApplyGossip(incarnation uint64, raw []byte) (bool, error) {
	parsed := map[string]interface{}{}
	if err := toml.Unmarshal(raw, &parsed); err != nil {
		return false, fmt.Errorf("parsing gossip config: %w", err)
	}
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if incarnation <= sc.incarnation {
		return false, nil
	}
	sc.incarnation = incarnation
	sc.layers[LayerGossip] = normalizeMap(parsed)
	return true, nil
}

// Incarnation returns the gossip layer's incarnation.
func (sc *ServiceConfig) Incarnation() uint64 {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.incarnation
}

// Merged returns the deep-merged configuration map. Maps merge recursively;
// scalars and arrays in higher layers replace lower ones.
func (sc *ServiceConfig) Merged() map[string]interface{} {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	out := map[string]interface{}{}
	for _, layer := range sc.layers {
		out = deepMerge(out, layer)
	}
	return out
}

// deepMerge merges over onto base, returning a new map. Nested maps merge
// recursively; any other value in over replaces the one in base.
func deepMerge(base, over map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		overMap, overIsMap := v.(map[string]interface{})
		baseMap, baseIsMap := out[k].(map[string]interface{})
		if overIsMap && baseIsMap {
			out[k] = deepMerge(baseMap, overMap)
			continue
		}
		out[k] = v
	}
	return out
}

// normalizeMap rewrites TOML decoder output into the plain
// map[string]interface{} / []interface{} shapes the template engine walks.
func normalizeMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeMap(item)
		}
		return out
	default:
		return v
	}
}

// WriteMerged serializes the merged configuration back to TOML, used by the
// gateway's config endpoint and for debugging rendered state.
func (sc *ServiceConfig) WriteMerged(path string) error {
	raw, err := toml.Marshal(sc.Merged())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
