package types

import "testing"

func TestAgentStatusEligible(t *testing.T) {
	tests := []struct {
		status AgentStatus
		want   bool
	}{
		{AgentAvailable, true},
		{AgentUnknown, true},
		{AgentUnreachable, false},
		{AgentDaemonDown, false},
		{AgentInstalling, false},
		{AgentUninstallFailed, false},
		{AgentDetachFailed, false},
	}
	for _, tt := range tests {
		if got := tt.status.Eligible(); got != tt.want {
			t.Errorf("%q.Eligible() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestAgentEndpoint(t *testing.T) {
	a := Agent{Address: "10.0.0.3"}
	if got := a.Endpoint(1112); got != "10.0.0.3:1112" {
		t.Errorf("Endpoint = %s", got)
	}
	a.Port = 2000
	if got := a.Endpoint(1112); got != "10.0.0.3:2000" {
		t.Errorf("Endpoint with port = %s", got)
	}
	a.Name = "client"
	if a.String() != "client (10.0.0.3)" {
		t.Errorf("String() = %s", a.String())
	}
}
