package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recover resumes or fails an operation interrupted by a previous process.
// It must run once at startup, before operators are served. A record in a
// transitional phase is never reset to stopped: the instance and process are
// probed and the same operation resumes, or the record becomes failed.
// An operation whose lease is still renewed belongs to another live process;
// it is watched in the background and taken over only if that lease lapses.
func (o *Orchestrator) Recover(ctx context.Context) error {
	rec, err := o.Init(ctx)
	if err != nil {
		return err
	}
	if !rec.Phase.Transitional() {
		return nil
	}
	if rec.PendingOperationToken != "" {
		held, err := o.store.LeaseHeld(ctx, o.cfg.ServerID, rec.PendingOperationToken)
		if err != nil {
			return fmt.Errorf("check operation lease: %w", err)
		}
		if held {
			o.log.Info("operation is driven by another process, watching its lease",
				zap.String("phase", string(rec.Phase)),
				zap.String("token", rec.PendingOperationToken))
			o.wg.Add(1)
			go o.watchOwner()
			return nil
		}
	}
	return o.takeOver(ctx, rec)
}

// takeOver resumes or fails the orphaned operation of rec. The resumed
// record always carries a fresh token, so a driver still holding the old one
// loses ownership at its next commit.
func (o *Orchestrator) takeOver(ctx context.Context, rec *models.LifecycleRecord) error {
	log := o.log.With(zap.String("phase", string(rec.Phase)), zap.String("token", rec.PendingOperationToken))
	log.Warn("found operation interrupted by a previous run, reconciling")

	resume, err := o.assessInFlight(ctx, rec)
	if err != nil {
		var mismatch *MismatchError
		var exhausted *ExternalCallError
		if errors.As(err, &mismatch) || errors.As(err, &exhausted) {
			o.fail(ctx, rec, err)
			return nil
		}
		return err
	}
	if resume == rec {
		resume = rec.Clone()
	}
	if resume.LastToken == "" {
		resume.LastToken = rec.PendingOperationToken
	}
	token := uuid.NewString()
	resume.PendingOperationToken = token

	if err := o.claim(ctx, token); err != nil {
		return err
	}
	ok, err := o.swap(ctx, rec, resume)
	if err != nil {
		o.release(token)
		return err
	}
	if !ok {
		o.release(token)
		log.Warn("record changed during recovery, leaving it to its owner")
		return nil
	}
	log.Info("resuming interrupted operation",
		zap.String("resume_phase", string(resume.Phase)),
		zap.String("new_token", token))
	o.launch(token)
	return nil
}

// watchOwner follows an operation driven by another process until it
// settles, and takes it over when its lease stops being renewed.
func (o *Orchestrator) watchOwner() {
	defer o.wg.Done()
	t := time.NewTicker(o.cfg.LeaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-t.C:
		}
		rec, err := o.store.Load(o.ctx, o.cfg.ServerID)
		if err != nil {
			if o.ctx.Err() == nil {
				o.log.Warn("load record while watching operation", zap.Error(err))
			}
			continue
		}
		if !rec.Phase.Transitional() {
			return
		}
		if rec.PendingOperationToken != "" {
			held, err := o.store.LeaseHeld(o.ctx, o.cfg.ServerID, rec.PendingOperationToken)
			if err != nil || held {
				continue
			}
		}
		if err := o.takeOver(o.ctx, rec); err != nil && o.ctx.Err() == nil {
			o.log.Error("take over operation", zap.Error(err))
		}
		return
	}
}

// assessInFlight decides how an interrupted operation continues. It returns
// rec itself to resume the same phase, a successor record to resume from a
// later phase, or an error when the outside world contradicts the record.
func (o *Orchestrator) assessInFlight(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, error) {
	if rec.PendingOperationToken == "" {
		return nil, &MismatchError{Phase: rec.Phase, Detail: "transitional phase without an operation token"}
	}

	switch rec.Phase {
	case models.PhaseProvisioning:
		inst, err := o.findInstance(ctx, requestToken(rec))
		if errors.Is(err, models.ErrInstanceNotFound) {
			// create is idempotent by token, so provisioning simply continues
			return rec, nil
		}
		if err != nil {
			return nil, err
		}
		if !inst.Running() {
			return rec, nil
		}
		if !o.reachable(ctx, inst.Address) {
			return nil, &MismatchError{Phase: rec.Phase, Detail: fmt.Sprintf("instance %s is running but %s is unreachable", inst.ID, inst.Address)}
		}
		next := o.advance(rec, models.PhaseRestoring)
		next.InstanceID = inst.ID
		next.PublicAddress = inst.Address
		return next, nil

	case models.PhaseRestoring, models.PhaseStopping, models.PhaseArchiving:
		inst, err := o.describeInstance(ctx, rec.InstanceID)
		if errors.Is(err, models.ErrInstanceNotFound) {
			return nil, &MismatchError{Phase: rec.Phase, Detail: fmt.Sprintf("instance %s no longer exists", rec.InstanceID)}
		}
		if err != nil {
			return nil, err
		}
		if !inst.Running() || !o.reachable(ctx, rec.PublicAddress) {
			return nil, &MismatchError{Phase: rec.Phase, Detail: fmt.Sprintf("instance %s (%s) is unreachable", inst.ID, inst.Status)}
		}
		return rec, nil

	case models.PhaseTearingDown:
		return rec, nil
	}
	return nil, &MismatchError{Phase: rec.Phase, Detail: "unknown transitional phase"}
}

// Reconcile re-probes the cloud and the game server and re-derives the
// phase. It is the only way out of failed, and also repairs drift of a
// running or stopped record. The derived record is committed with a
// compare-and-swap against the record read before probing.
func (o *Orchestrator) Reconcile(ctx context.Context) (*models.LifecycleRecord, error) {
	rec, err := o.Status(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Phase.Transitional() {
		o.metrics.rejections.WithLabelValues(o.cfg.ServerID, "reconcile").Inc()
		return nil, &PreconditionError{Op: "reconcile", Phase: rec.Phase, Reason: "busy: " + string(rec.Phase)}
	}

	next, mismatch, err := o.derive(ctx, rec)
	if err != nil {
		return nil, err
	}

	token := next.PendingOperationToken
	if token != "" {
		if err := o.claim(ctx, token); err != nil {
			return nil, err
		}
	}
	ok, err := o.swap(ctx, rec, next)
	if err != nil || !ok {
		if token != "" {
			o.release(token)
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &PreconditionError{Op: "reconcile", Phase: rec.Phase, Reason: "record changed during reconciliation"}
	}
	o.log.Info("reconciled",
		zap.String("from", string(rec.Phase)),
		zap.String("to", string(next.Phase)))

	if next.Phase.Transitional() {
		o.launch(token)
	}
	if mismatch != nil {
		return next, mismatch
	}
	return next, nil
}

// derive computes the record that matches what the external systems report.
// A non-nil mismatch means the derived record is failed and the operator has
// to act outside mcpanel.
func (o *Orchestrator) derive(ctx context.Context, rec *models.LifecycleRecord) (*models.LifecycleRecord, *MismatchError, error) {
	var (
		inst models.Instance
		err  error
	)
	switch {
	case rec.InstanceID != "":
		inst, err = o.describeInstance(ctx, rec.InstanceID)
	case rec.LastToken != "":
		inst, err = o.findInstance(ctx, rec.LastToken)
	default:
		err = models.ErrInstanceNotFound
	}

	if errors.Is(err, models.ErrInstanceNotFound) || (err == nil && inst.Status == models.MachineTerminated) {
		next := o.advance(rec, models.PhaseStopped)
		settle(next)
		next.InstanceID = ""
		next.PublicAddress = ""
		return next, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if !inst.Running() || !o.reachable(ctx, inst.Address) {
		mismatch := &MismatchError{Phase: rec.Phase, Detail: fmt.Sprintf("instance %s (%s) exists but is unreachable", inst.ID, inst.Status)}
		next := o.advance(rec, models.PhaseFailed)
		next.PendingOperationToken = ""
		next.InstanceID = inst.ID
		next.PublicAddress = inst.Address
		if rec.Phase != models.PhaseFailed {
			next.FailedFrom = rec.Phase
		}
		next.LastError = mismatch.Error()
		return next, mismatch, nil
	}

	if o.ready(ctx, inst.Address) {
		next := o.advance(rec, models.PhaseRunning)
		settle(next)
		next.InstanceID = inst.ID
		next.PublicAddress = inst.Address
		return next, nil, nil
	}

	// The VM is up but the game server is not: finish whichever way the
	// operator last asked for.
	token := uuid.NewString()
	to, op := models.PhaseRestoring, models.OpStart
	if rec.Operation == models.OpStop || rec.Phase == models.PhaseStopped {
		to, op = models.PhaseArchiving, models.OpStop
	}
	next := o.advance(rec, to)
	next.InstanceID = inst.ID
	next.PublicAddress = inst.Address
	next.PendingOperationToken = token
	next.LastToken = token
	next.Operation = op
	next.FailedFrom = ""
	return next, nil, nil
}

func (o *Orchestrator) describeInstance(ctx context.Context, id string) (models.Instance, error) {
	var inst models.Instance
	err := o.call(ctx, "cloud.describe_instance", o.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		inst, err = o.cloud.DescribeInstance(ctx, id)
		return err
	})
	return inst, err
}

func (o *Orchestrator) findInstance(ctx context.Context, token string) (models.Instance, error) {
	var inst models.Instance
	err := o.call(ctx, "cloud.find_instance", o.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		inst, err = o.cloud.FindInstance(ctx, token)
		return err
	})
	return inst, err
}

func (o *Orchestrator) reachable(ctx context.Context, addr string) bool {
	if addr == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	return o.proc.Reachable(ctx, addr)
}

func (o *Orchestrator) ready(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	return o.proc.Ready(ctx, addr)
}
