package config

// mergeSpawnerConfig overlays user-declared agent-type entries onto the
// built-in table. A user entry overrides its built-in counterpart field by
// field is not attempted; an entry present in user config replaces the
// built-in entry for that type wholesale, matching the teacher's
// mergeAgents/mergeMCPServers "override replaces, absence falls through" rule.
func mergeSpawnerConfig(builtin, user *SpawnerConfig) *SpawnerConfig {
	if user == nil || len(user.Types) == 0 {
		return builtin
	}
	merged := &SpawnerConfig{Types: make(map[AgentType]*AgentTypeConfig, len(builtin.Types))}
	for t, cfg := range builtin.Types {
		merged.Types[t] = cfg
	}
	for t, cfg := range user.Types {
		cfg.Type = t
		merged.Types[t] = cfg
	}
	return merged
}

// mergeConfig overlays a user-loaded config on top of the built-in defaults.
// Nil sections in user fall through to the built-in section unchanged.
func mergeConfig(builtin, user *Config) *Config {
	merged := &Config{
		Scheduler: builtin.Scheduler,
		Steering:  builtin.Steering,
		Spawner:   builtin.Spawner,
		Replica:   builtin.Replica,
		Timeouts:  builtin.Timeouts,
		Retry:     builtin.Retry,
	}
	if user == nil {
		return merged
	}
	if user.Scheduler != nil {
		merged.Scheduler = user.Scheduler
	}
	if user.Steering != nil {
		merged.Steering = user.Steering
	}
	if user.Spawner != nil {
		merged.Spawner = mergeSpawnerConfig(builtin.Spawner, user.Spawner)
	}
	if user.Replica != nil {
		merged.Replica = user.Replica
	}
	if user.Timeouts != nil {
		merged.Timeouts = user.Timeouts
	}
	if user.Retry != nil {
		merged.Retry = user.Retry
	}
	return merged
}
