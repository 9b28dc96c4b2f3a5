package types

import "time"

// VMState represents the lifecycle state of a VM record.
type VMState string

const (
	VMStateRunning VMState = "RUNNING" // hypervisor process spawned, pid recorded
	VMStateStopped VMState = "STOPPED" // hypervisor process confirmed gone (or never reconciled alive)
)

// VMConfig describes the resource shape and bindings of a VM.
// It is everything needed to rebuild the hypervisor command line.
type VMConfig struct {
	Name   string `json:"name"`
	CPU    string `json:"cpu"`
	CPUs   int    `json:"cpus"`
	Memory string `json:"memory"`

	Disk    DiskConfig    `json:"disk"`
	Boot    BootConfig    `json:"boot"`
	Network NetworkConfig `json:"network"`
}

// VM is the persisted record for a single instance.
type VM struct {
	ID         string   `json:"id"`
	MACAddress string   `json:"mac_address"`
	State      VMState  `json:"status"`
	Config     VMConfig `json:"config"`

	// PID of the hypervisor process; 0 means none is recorded.
	PID int `json:"pid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Privileged reports whether managing this VM's process needs privilege escalation.
func (vm *VM) Privileged() bool { return vm.Config.Network.Bridged() }

// Command is a fully-built process invocation.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// Argv returns Path followed by Args.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// StringPtr returns nil for an empty string, otherwise a pointer to s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
