// Package render assembles template data from the census, the layered
// service configuration, and supervisor system information, and renders a
// service's configuration templates and hooks into its run directory.
package render

import (
	"fmt"

	"github.com/roost-sh/roost/internal/census"
	"github.com/roost-sh/roost/internal/types"
)

// SysInfo is the supervisor-level data behind the sys template namespace.
type SysInfo struct {
	MemberID   string `json:"member_id"`
	IP         string `json:"ip"`
	Hostname   string `json:"hostname"`
	GossipPort int    `json:"gossip_port"`
	HTTPPort   int    `json:"http_port"`
	Version    string `json:"version"`
}

// TemplateData projects SysInfo for templates.
func (s SysInfo) TemplateData() map[string]interface{} {
	return map[string]interface{}{
		"member_id":   s.MemberID,
		"ip":          s.IP,
		"hostname":    s.Hostname,
		"gossip_port": s.GossipPort,
		"http_port":   s.HTTPPort,
		"version":     s.Version,
	}
}

// Package describes an installed package for the pkg namespace.
type Package struct {
	Ident         types.PackageIdent
	Path          string
	SvcConfigPath string
	SvcDataPath   string
	SvcVarPath    string
	Deps          []Package
	Exports       []string
}

// TemplateData projects the package for templates.
func (p *Package) TemplateData() map[string]interface{} {
	deps := make([]interface{}, 0, len(p.Deps))
	for i := range p.Deps {
		dep := &p.Deps[i]
		deps = append(deps, map[string]interface{}{
			"ident": dep.Ident.String(),
			"path":  dep.Path,
		})
	}
	return map[string]interface{}{
		"ident":           p.Ident.String(),
		"origin":          p.Ident.Origin,
		"name":            p.Ident.Name,
		"version":         p.Ident.Version,
		"release":         p.Ident.Release,
		"path":            p.Path,
		"svc_config_path": p.SvcConfigPath,
		"svc_data_path":   p.SvcDataPath,
		"svc_var_path":    p.SvcVarPath,
		"deps":            deps,
	}
}

// UnsatisfiedBindError reports a required bind with no alive producer.
type UnsatisfiedBindError struct {
	Bind types.Bind
}

func (e *UnsatisfiedBindError) Error() string {
	return fmt.Sprintf("bind %q is not satisfied: no alive member in %s", e.Bind.Name, e.Bind.ServiceGroup)
}

// Context gathers everything one render pass needs.
type Context struct {
	Sys  SysInfo
	Pkg  *Package
	Cfg  map[string]interface{}
	Spec *types.ServiceSpec
	Ring *census.Ring
}

// Data builds the full namespace map for rendering. A required bind with no
// alive producer returns an UnsatisfiedBindError; optional unsatisfied
// binds are simply absent from the bind namespace.
func (c *Context) Data() (map[string]interface{}, error) {
	data := map[string]interface{}{
		"sys": c.Sys.TemplateData(),
		"cfg": c.Cfg,
	}
	if c.Cfg == nil {
		data["cfg"] = map[string]interface{}{}
	}
	if c.Pkg != nil {
		data["pkg"] = c.Pkg.TemplateData()
	}

	if c.Spec != nil {
		sg := c.Spec.ServiceGroup()
		svc := map[string]interface{}{
			"name":          c.Spec.Ident.Name,
			"group":         c.Spec.Group,
			"org":           c.Spec.Org,
			"service_group": sg.String(),
			"topology":      string(c.Spec.Topology),
		}
		if c.Ring != nil {
			if group, ok := c.Ring.Group(sg); ok {
				svc["members"] = group.TemplateData()["members"]
				if leader := group.Leader(); leader != nil {
					svc["leader"] = leader.TemplateData()
					svc["is_leader"] = leader.ID == c.Ring.LocalMemberID()
				} else {
					svc["is_leader"] = false
				}
				for _, m := range group.Members() {
					if m.ID == c.Ring.LocalMemberID() {
						svc["me"] = m.TemplateData()
						break
					}
				}
			}
		}
		data["svc"] = svc

		binds, err := c.Spec.AllBinds()
		if err != nil {
			return nil, err
		}
		bindData := map[string]interface{}{}
		for _, bind := range binds {
			if c.Ring == nil {
				if !bind.Optional {
					return nil, &UnsatisfiedBindError{Bind: bind}
				}
				continue
			}
			group, ok := c.Ring.Group(bind.ServiceGroup)
			if !ok || len(group.AliveMembers()) == 0 {
				if !bind.Optional {
					return nil, &UnsatisfiedBindError{Bind: bind}
				}
				continue
			}
			bindData[bind.Name] = group.TemplateData()
		}
		data["bind"] = bindData
	}

	return data, nil
}
