package census

// TemplateData projects a member into the plain map shape the template
// engine walks. Exported config appears under "cfg".
func (m *Member) TemplateData() map[string]interface{} {
	data := map[string]interface{}{
		"member_id": m.ID,
		"ip":        m.IP,
		"hostname":  m.Hostname,
		"alive":     m.Alive(),
		"suspect":   m.Health == HealthSuspect,
		"leader":    m.Leader,
		"sys": map[string]interface{}{
			"ip":          m.IP,
			"hostname":    m.Hostname,
			"gossip_port": m.GossipPort,
			"http_port":   m.HTTPPort,
		},
	}
	if len(m.Exports) > 0 {
		data["cfg"] = m.Exports
	} else {
		data["cfg"] = map[string]interface{}{}
	}
	return data
}

// TemplateData projects a group for the bind.<name> namespace: its members,
// the deterministic first alive member, and the leader when one is elected.
func (g *Group) TemplateData() map[string]interface{} {
	members := make([]interface{}, 0, len(g.members))
	for _, m := range g.Members() {
		members = append(members, m.TemplateData())
	}
	data := map[string]interface{}{
		"service_group": g.ServiceGroup.String(),
		"members":       members,
	}
	if first := g.First(); first != nil {
		data["first"] = first.TemplateData()
	}
	if leader := g.Leader(); leader != nil {
		data["leader"] = leader.TemplateData()
	}
	return data
}
