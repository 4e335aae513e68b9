package orchestrator

import (
	"context"
	"fmt"

	"github.com/devghori1264/mcpanel/internal/models"
	"go.uber.org/zap"
)

// drive advances the record step by step for as long as token owns it.
func (o *Orchestrator) drive(ctx context.Context, token string) {
	log := o.log.With(zap.String("token", token))
	for {
		rec, err := o.load(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("load record", zap.Error(err))
			}
			return
		}
		if rec.PendingOperationToken != token {
			log.Warn("operation no longer owns the record", zap.String("phase", string(rec.Phase)))
			return
		}

		next, err := o.step(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("workflow interrupted, record left for recovery", zap.String("phase", string(rec.Phase)))
				return
			}
			o.fail(ctx, rec, err)
			return
		}

		ok, err := o.swap(ctx, rec, next)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("workflow interrupted, record left for recovery", zap.String("phase", string(rec.Phase)))
				return
			}
			log.Error("commit step", zap.String("phase", string(rec.Phase)), zap.Error(err))
			o.fail(ctx, rec, err)
			return
		}
		if !ok {
			log.Warn("record changed under workflow", zap.String("phase", string(rec.Phase)))
			return
		}
		if !next.Phase.Transitional() {
			log.Info("operation finished", zap.String("phase", string(next.Phase)))
			return
		}
	}
}

// step performs the external work of rec's phase and returns the record for
// the following phase.
func (o *Orchestrator) step(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, error) {
	switch rec.Phase {
	case models.PhaseProvisioning:
		return o.provision(ctx, rec)
	case models.PhaseRestoring:
		return o.restore(ctx, rec)
	case models.PhaseStopping:
		return o.stopProcess(ctx, rec)
	case models.PhaseArchiving:
		return o.archive(ctx, rec)
	case models.PhaseTearingDown:
		return o.teardown(ctx, rec)
	}
	return nil, fmt.Errorf("no step for phase %s", rec.Phase)
}

func (o *Orchestrator) provision(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, error) {
	spec := o.cfg.Instance
	spec.RequestToken = requestToken(rec)

	var inst models.Instance
	err := o.call(ctx, "cloud.create_instance", o.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		inst, err = o.cloud.CreateInstance(ctx, spec)
		if err == nil && !inst.Running() {
			err = fmt.Errorf("instance %s is %s without address", inst.ID, inst.Status)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	next := o.advance(rec, models.PhaseRestoring)
	next.InstanceID = inst.ID
	next.PublicAddress = inst.Address
	return next, nil
}

func (o *Orchestrator) restore(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, error) {
	addr := rec.PublicAddress

	var handle models.ArchiveHandle
	err := o.call(ctx, "backup.fetch_latest", o.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		handle, err = o.backups.FetchLatest(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if handle.Empty() {
		o.log.Info("no backup found, starting with a fresh world")
	} else {
		err = o.call(ctx, "process.restore", o.cfg.CallTimeout, func(ctx context.Context) error {
			return o.proc.Restore(ctx, addr, handle)
		})
		if err != nil {
			return nil, err
		}
	}

	err = o.call(ctx, "process.start", o.cfg.CallTimeout, func(ctx context.Context) error {
		return o.proc.Start(ctx, addr)
	})
	if err != nil {
		return nil, err
	}

	err = o.call(ctx, "process.wait_ready", o.cfg.ReadyTimeout+o.cfg.CallTimeout, func(ctx context.Context) error {
		return o.proc.WaitReady(ctx, addr, o.cfg.ReadyTimeout)
	})
	if err != nil {
		return nil, err
	}

	next := o.advance(rec, models.PhaseRunning)
	settle(next)
	next.BackupVersion = max(rec.BackupVersion, handle.Version)
	return next, nil
}

func (o *Orchestrator) stopProcess(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, error) {
	err := o.call(ctx, "process.stop", o.cfg.CallTimeout, func(ctx context.Context) error {
		return o.proc.Stop(ctx, rec.PublicAddress)
	})
	if err != nil {
		return nil, err
	}
	return o.advance(rec, models.PhaseArchiving), nil
}

func (o *Orchestrator) archive(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, error) {
	var handle models.ArchiveHandle
	err := o.call(ctx, "backup.new_archive", o.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		handle, err = o.backups.NewArchive(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = o.call(ctx, "process.archive", o.cfg.CallTimeout, func(ctx context.Context) error {
		return o.proc.Archive(ctx, rec.PublicAddress, handle)
	})
	if err != nil {
		return nil, err
	}

	var version int64
	err = o.call(ctx, "backup.upload", o.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		version, err = o.backups.Upload(ctx, handle)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("world archived", zap.Int64("version", version), zap.String("key", handle.Key))

	next := o.advance(rec, models.PhaseTearingDown)
	next.BackupVersion = max(rec.BackupVersion, version)
	return next, nil
}

func (o *Orchestrator) teardown(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, error) {
	err := o.call(ctx, "cloud.destroy_instance", o.cfg.CallTimeout, func(ctx context.Context) error {
		return o.cloud.DestroyInstance(ctx, rec.InstanceID)
	})
	if err != nil {
		return nil, err
	}

	next := o.advance(rec, models.PhaseStopped)
	settle(next)
	next.InstanceID = ""
	next.PublicAddress = ""
	return next, nil
}

// requestToken is the cloud idempotency token of rec's start. It outlives
// the pending token, which changes whenever an operation changes hands.
func requestToken(rec *models.LifecycleRecord) string {
	if rec.LastToken != "" {
		return rec.LastToken
	}
	return rec.PendingOperationToken
}

// fail moves rec to failed, keeping the instance id and address so the VM
// is never forgotten.
func (o *Orchestrator) fail(ctx context.Context, rec *models.LifecycleRecord, cause error) {
	next := o.advance(rec, models.PhaseFailed)
	next.PendingOperationToken = ""
	next.FailedFrom = rec.Phase
	next.LastError = cause.Error()

	o.log.Error("operation failed",
		zap.String("phase", string(rec.Phase)),
		zap.String("op", rec.Operation),
		zap.Error(cause))

	ok, err := o.swap(ctx, rec, next)
	if err != nil {
		o.log.Error("record failure", zap.Error(err))
		return
	}
	if !ok {
		o.log.Warn("record changed before failure could be recorded")
	}
}
