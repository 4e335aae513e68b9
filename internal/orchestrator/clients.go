package orchestrator

import (
	"context"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
)

// Provisioner creates and destroys VMs. Implementations must be safe to
// retry: CreateInstance is idempotent by spec.RequestToken.
type Provisioner interface {
	// CreateInstance returns once the VM is running and has an address.
	CreateInstance(ctx context.Context, spec models.InstanceSpec) (models.Instance, error)
	// DestroyInstance treats an already missing VM as success.
	DestroyInstance(ctx context.Context, instanceID string) error
	// DescribeInstance returns models.ErrInstanceNotFound for unknown ids.
	DescribeInstance(ctx context.Context, instanceID string) (models.Instance, error)
	// FindInstance looks a VM up by the request token it was created with.
	FindInstance(ctx context.Context, requestToken string) (models.Instance, error)
}

// BackupStore holds world archives.
type BackupStore interface {
	// FetchLatest returns the newest committed archive, or an empty handle
	// when no backup exists yet.
	FetchLatest(ctx context.Context) (models.ArchiveHandle, error)
	// NewArchive reserves a version and returns a handle to upload to.
	NewArchive(ctx context.Context) (models.ArchiveHandle, error)
	// Upload commits an uploaded archive and returns its version.
	Upload(ctx context.Context, h models.ArchiveHandle) (int64, error)
}

// ProcessController drives the game server process on a VM.
type ProcessController interface {
	Start(ctx context.Context, address string) error
	Stop(ctx context.Context, address string) error
	// WaitReady blocks until the server accepts players or timeout elapses.
	WaitReady(ctx context.Context, address string, timeout time.Duration) error
	// Restore stages an archive on the VM before the process starts.
	Restore(ctx context.Context, address string, h models.ArchiveHandle) error
	// Archive packs the stopped server's data and uploads it to h.URL.
	Archive(ctx context.Context, address string, h models.ArchiveHandle) error
	// Reachable reports whether the VM accepts control connections.
	Reachable(ctx context.Context, address string) bool
	// Ready reports whether the game server currently accepts players.
	Ready(ctx context.Context, address string) bool
}

// Notifier receives every committed phase change.
type Notifier interface {
	Notify(ctx context.Context, ev models.LifecycleEvent)
}
