package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	AgentsChanged   bool        // true if any agent was added, removed, or edited
	AgentChanges    []AgentDiff // per-agent diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID             string
	PersonaChanged bool // name, system prompt, model, or temperature
	LimitsChanged  bool // max_steps or max_history
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = &new.Agents[i]
	}

	for id, oa := range oldAgents {
		na, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(id, oa, na)
		if ad.PersonaChanged || ad.LimitsChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}

	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
			d.AgentsChanged = true
		}
	}

	return d
}

func diffAgent(id string, old, new *AgentConfig) AgentDiff {
	ad := AgentDiff{ID: id}

	if old.Name != new.Name || old.SystemPrompt != new.SystemPrompt || old.Model != new.Model {
		ad.PersonaChanged = true
	}
	if !floatPtrEqual(old.Temperature, new.Temperature) {
		ad.PersonaChanged = true
	}
	if old.MaxSteps != new.MaxSteps || old.MaxHistory != new.MaxHistory {
		ad.LimitsChanged = true
	}

	return ad
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
