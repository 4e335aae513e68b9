package models

import "time"

// Machine statuses reported by the machines API.
const (
	MachinePending    = "pending"
	MachineRunning    = "running"
	MachineTerminated = "terminated"
)

// Machine is the simulator's persisted view of a cloud VM.
// Shared between the cloudsim server and storage layers.
type Machine struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Region       string            `json:"region"`
	Flavor       string            `json:"flavor,omitempty"`
	Image        string            `json:"image,omitempty"`
	RequestToken string            `json:"request_token,omitempty"`
	Address      string            `json:"address,omitempty"`
	Status       string            `json:"status"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Instance returns the provider-neutral view of the machine.
func (m *Machine) Instance() Instance {
	return Instance{ID: m.ID, Address: m.Address, Status: m.Status}
}

// InstanceSpec describes the VM to provision.
type InstanceSpec struct {
	Name     string `json:"name"`
	Region   string `json:"region"`
	Flavor   string `json:"flavor,omitempty"`
	Image    string `json:"image,omitempty"`
	UserData string `json:"user_data,omitempty"`
	// RequestToken makes creation idempotent: repeating a create with the
	// same token returns the machine created the first time.
	RequestToken string `json:"request_token"`
}

// Instance is a provisioned VM as seen by the orchestrator.
type Instance struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status"`
}

// Running reports whether the VM finished booting and has an address.
func (i Instance) Running() bool {
	return i.Status == MachineRunning && i.Address != ""
}
