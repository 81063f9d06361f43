package types

import (
	"fmt"
	"net"
	"strconv"
)

// AgentStatus is the reachability state reported by fleet management.
type AgentStatus string

const (
	AgentUnknown         AgentStatus = ""
	AgentUnreachable     AgentStatus = "unreachable"
	AgentDaemonDown      AgentStatus = "daemon_down" // Host reachable, agent daemon not answering
	AgentAvailable       AgentStatus = "available"
	AgentInstalling      AgentStatus = "installing"
	AgentUninstallFailed AgentStatus = "uninstall_failed"
	AgentDetachFailed    AgentStatus = "detach_failed"
)

// Valid returns true if the status is valid.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentUnknown, AgentUnreachable, AgentDaemonDown, AgentAvailable,
		AgentInstalling, AgentUninstallFailed, AgentDetachFailed:
		return true
	}
	return false
}

// Eligible returns true if instructions may be sent to an agent in this state.
// Agents absent from the fleet snapshot are attempted and classified on failure.
func (s AgentStatus) Eligible() bool {
	return s == AgentAvailable || s == AgentUnknown
}

// Agent is a remote host running the agent daemon.
type Agent struct {
	Name    string      `json:"name,omitempty" yaml:"name,omitempty"`
	Address string      `json:"address" yaml:"address"`
	Port    int         `json:"port,omitempty" yaml:"port,omitempty"`
	Status  AgentStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// Endpoint returns host:port, using defaultPort when the agent has none.
func (a Agent) Endpoint(defaultPort int) string {
	port := a.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(a.Address, strconv.Itoa(port))
}

// String returns the agent name and address.
func (a Agent) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.Address)
}
