package models

import "time"

// Phase is one state of the server lifecycle.
type Phase string

const (
	PhaseStopped      Phase = "stopped"
	PhaseProvisioning Phase = "provisioning"
	PhaseRestoring    Phase = "restoring"
	PhaseRunning      Phase = "running"
	PhaseStopping     Phase = "stopping"
	PhaseArchiving    Phase = "archiving"
	PhaseTearingDown  Phase = "tearing_down"
	PhaseFailed       Phase = "failed"
)

// Operation names the intent of an in-flight or failed workflow.
const (
	OpStart = "start"
	OpStop  = "stop"
)

// Transitional reports whether the phase belongs to an in-flight operation.
func (p Phase) Transitional() bool {
	switch p {
	case PhaseProvisioning, PhaseRestoring, PhaseStopping, PhaseArchiving, PhaseTearingDown:
		return true
	}
	return false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Transitional() || p == PhaseStopped || p == PhaseRunning || p == PhaseFailed
}

// HasInstance reports whether a VM is expected to exist in this phase.
func (p Phase) HasInstance() bool {
	return p == PhaseRunning || (p.Transitional() && p != PhaseProvisioning)
}

// LifecycleRecord is the single durable record of a managed server.
type LifecycleRecord struct {
	ServerID              string    `json:"server_id"`
	Phase                 Phase     `json:"phase"`
	InstanceID            string    `json:"instance_id,omitempty"`
	PublicAddress         string    `json:"public_address,omitempty"`
	BackupVersion         int64     `json:"backup_version"`
	LastTransitionAt      time.Time `json:"last_transition_at"`
	PendingOperationToken string    `json:"pending_operation_token,omitempty"`
	Operation             string    `json:"operation,omitempty"`
	// LastToken is the token of the most recent workflow. Reconciliation uses
	// it to find a VM whose id was never recorded.
	LastToken  string    `json:"last_token,omitempty"`
	FailedFrom Phase     `json:"failed_from,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Revision   int64     `json:"revision"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a copy safe to mutate.
func (r *LifecycleRecord) Clone() *LifecycleRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Busy reports whether an operation currently owns the record.
func (r *LifecycleRecord) Busy() bool {
	return r.PendingOperationToken != ""
}

// ArchiveHandle points at one world archive in the backup store.
// The zero value means no backup exists yet.
type ArchiveHandle struct {
	Version int64  `json:"version"`
	Key     string `json:"key"`
	// URL is a presigned transfer URL (GET for restores, PUT for archives).
	URL string `json:"-"`
}

// Empty reports whether the handle refers to no archive.
func (h ArchiveHandle) Empty() bool {
	return h.Key == ""
}
