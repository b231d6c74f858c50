package config

import "testing"

func TestAgentTypeIsValid(t *testing.T) {
	valid := []AgentType{
		AgentTypeIssuer, AgentTypeWorker, AgentTypeDesigner, AgentTypeSpeedy,
		AgentTypeFinisher, AgentTypeMerger, AgentTypeSteering, AgentTypeSingularity,
	}
	for _, tt := range valid {
		if !tt.IsValid() {
			t.Errorf("expected %q to be valid", tt)
		}
	}
	if AgentType("bogus").IsValid() {
		t.Error("expected bogus agent type to be invalid")
	}
}

func TestAgentTypeIsWorkerClass(t *testing.T) {
	workerClass := []AgentType{AgentTypeWorker, AgentTypeDesigner, AgentTypeSpeedy}
	for _, tt := range workerClass {
		if !tt.IsWorkerClass() {
			t.Errorf("expected %q to be worker-class", tt)
		}
	}
	nonWorkerClass := []AgentType{AgentTypeIssuer, AgentTypeFinisher, AgentTypeMerger, AgentTypeSteering, AgentTypeSingularity}
	for _, tt := range nonWorkerClass {
		if tt.IsWorkerClass() {
			t.Errorf("expected %q not to be worker-class", tt)
		}
	}
}

func TestReplicaStrategyIsValid(t *testing.T) {
	for _, s := range []ReplicaStrategy{ReplicaStrategyCreate, ReplicaStrategyResolve, ReplicaStrategyNone} {
		if !s.IsValid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if ReplicaStrategy("bogus").IsValid() {
		t.Error("expected bogus replica strategy to be invalid")
	}
}
