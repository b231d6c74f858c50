package config

import "fmt"

// Validator checks a loaded Config against spec.md's bound and shape
// invariants before the supervisor starts using it.
type Validator struct {
	cfg *Config
}

// NewValidator wraps cfg for validation.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every section validator in a fixed order, returning the
// first failure wrapped with the section it came from.
func (v *Validator) ValidateAll() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"scheduler", v.validateScheduler},
		{"steering", v.validateSteering},
		{"spawner", v.validateSpawner},
		{"replica", v.validateReplica},
		{"timeouts", v.validateTimeouts},
		{"retry", v.validateRetry},
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			return fmt.Errorf("%s validation failed: %w", c.name, err)
		}
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s == nil {
		return NewValidationError("scheduler", "", "", ErrMissingRequiredField)
	}
	if s.TickInterval <= 0 {
		return NewValidationError("scheduler", "", "tick_interval", ErrInvalidValue)
	}
	if s.MaxWorkers < 1 {
		return NewValidationError("scheduler", "", "max_workers", ErrInvalidValue)
	}
	if s.MaxTotalAgents < s.MaxWorkers {
		return NewValidationError("scheduler", "", "max_total_agents", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateSteering() error {
	s := v.cfg.Steering
	if s == nil {
		return NewValidationError("steering", "", "", ErrMissingRequiredField)
	}
	if s.ReviewInterval <= 0 {
		return NewValidationError("steering", "", "review_interval", ErrInvalidValue)
	}
	if s.HistoryTurns < 1 {
		return NewValidationError("steering", "", "history_turns", ErrInvalidValue)
	}
	if s.BroadcastDrainTimeout <= 0 {
		return NewValidationError("steering", "", "broadcast_drain_timeout", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateSpawner() error {
	s := v.cfg.Spawner
	if s == nil || len(s.Types) == 0 {
		return NewValidationError("spawner", "", "types", ErrMissingRequiredField)
	}
	for t, ac := range s.Types {
		if !t.IsValid() {
			return NewValidationError("spawner", string(t), "type", ErrInvalidValue)
		}
		if ac == nil {
			return NewValidationError("spawner", string(t), "", ErrMissingRequiredField)
		}
		if ac.ReplicaStrategy != "" && !ac.ReplicaStrategy.IsValid() {
			return NewValidationError("spawner", string(t), "replica_strategy", ErrInvalidValue)
		}
	}
	// The pipeline's admission logic requires these types to always resolve.
	for _, required := range []AgentType{AgentTypeIssuer, AgentTypeWorker, AgentTypeMerger} {
		if _, ok := s.Types[required]; !ok {
			return NewValidationError("spawner", string(required), "", ErrMissingRequiredField)
		}
	}
	return nil
}

func (v *Validator) validateReplica() error {
	r := v.cfg.Replica
	if r == nil {
		return NewValidationError("replica", "", "", ErrMissingRequiredField)
	}
	if r.BaseDir == "" {
		return NewValidationError("replica", "", "base_dir", ErrMissingRequiredField)
	}
	if r.PreferOverlay && r.OverlayBinary == "" {
		return NewValidationError("replica", "", "overlay_binary", ErrMissingRequiredField)
	}
	if r.StaleCleanupAfter <= 0 {
		return NewValidationError("replica", "", "stale_cleanup_after", ErrInvalidValue)
	}
	if r.CleanupScanInterval <= 0 {
		return NewValidationError("replica", "", "cleanup_scan_interval", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateTimeouts() error {
	t := v.cfg.Timeouts
	if t == nil {
		return NewValidationError("timeouts", "", "", ErrMissingRequiredField)
	}
	if t.RPCSend <= 0 {
		return NewValidationError("timeouts", "", "rpc_send", ErrInvalidValue)
	}
	if t.ShutdownGrace <= 0 {
		return NewValidationError("timeouts", "", "shutdown_grace", ErrInvalidValue)
	}
	// AgentEndWorker is allowed to be zero (wait indefinitely); negative is not.
	if t.AgentEndWorker < 0 {
		return NewValidationError("timeouts", "", "agent_end_worker", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateRetry() error {
	r := v.cfg.Retry
	if r == nil {
		return NewValidationError("retry", "", "", ErrMissingRequiredField)
	}
	if r.IssuerMaxAttempts < 1 {
		return NewValidationError("retry", "", "issuer_max_attempts", ErrInvalidValue)
	}
	if r.SpeedyMaxAttempts < 1 {
		return NewValidationError("retry", "", "speedy_max_attempts", ErrInvalidValue)
	}
	return nil
}
