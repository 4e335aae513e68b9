// Package orchestrator drives a game server VM through its lifecycle:
// provision, restore the world backup, start the process, and on the way
// down stop the process, archive the world and destroy the VM.
//
// The lifecycle record in the store is the only shared state. Every phase
// change is a compare-and-swap against the record revision, and every
// in-flight operation owns a pending-operation token; a workflow that loses
// its token stops without writing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/devghori1264/mcpanel/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config tunes one orchestrator.
type Config struct {
	ServerID string
	// Instance is the template for new VMs. RequestToken is filled per operation.
	Instance models.InstanceSpec

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// CallTimeout bounds every single external call attempt.
	CallTimeout time.Duration
	// ReadyTimeout bounds the wait for the game server to accept players.
	ReadyTimeout time.Duration
	// ProbeTimeout bounds reachability probes during reconciliation.
	ProbeTimeout time.Duration
	// LeaseTTL is how long a workflow's ownership survives without a
	// heartbeat. Recover only takes over operations whose lease lapsed.
	LeaseTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 15 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.Instance.Name == "" {
		c.Instance.Name = c.ServerID
	}
}

// Deps are the collaborators an orchestrator drives.
type Deps struct {
	Store   storage.LifecycleStore
	Cloud   Provisioner
	Backups BackupStore
	Process ProcessController
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics shares a Metrics instance between orchestrators.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithNotifier(n ...Notifier) Option {
	return func(o *Orchestrator) { o.notifiers = append(o.notifiers, n...) }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock overrides time.Now for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the lifecycle of one managed server.
type Orchestrator struct {
	cfg       Config
	store     storage.LifecycleStore
	cloud     Provisioner
	backups   BackupStore
	proc      ProcessController
	notifiers []Notifier
	log       *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time

	// ctx lives as long as the orchestrator; workflows never run on a
	// caller's context so a disconnecting operator cannot abort them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ack acknowledges an accepted operation that is now in progress.
type Ack struct {
	Token string       `json:"token"`
	Phase models.Phase `json:"phase"`
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if cfg.ServerID == "" {
		return nil, errors.New("orchestrator: server id required")
	}
	if deps.Store == nil || deps.Cloud == nil || deps.Backups == nil || deps.Process == nil {
		return nil, errors.New("orchestrator: store, cloud, backups and process are required")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		store:   deps.Store,
		cloud:   deps.Cloud,
		backups: deps.Backups,
		proc:    deps.Process,
		log:     zap.NewNop(),
		tracer:  otel.Tracer("github.com/devghori1264/mcpanel/internal/orchestrator"),
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	o.log = o.log.With(zap.String("server", cfg.ServerID))
	return o, nil
}

// ServerID returns the id of the managed server.
func (o *Orchestrator) ServerID() string { return o.cfg.ServerID }

// Close interrupts running workflows and waits for them to return. Their
// records stay in a transitional phase and are picked up by Recover on the
// next start.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Init loads the record, creating it as stopped on first run.
func (o *Orchestrator) Init(ctx context.Context) (*models.LifecycleRecord, error) {
	rec, err := o.store.Load(ctx, o.cfg.ServerID)
	if err == nil {
		o.metrics.setPhase(o.cfg.ServerID, rec.Phase)
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load record: %w", err)
	}

	now := o.now()
	rec = &models.LifecycleRecord{
		ServerID:         o.cfg.ServerID,
		Phase:            models.PhaseStopped,
		LastTransitionAt: now,
		CreatedAt:        now,
	}
	ok, err := o.store.CompareAndSwap(ctx, nil, rec)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if !ok {
		// created concurrently by another replica
		return o.store.Load(ctx, o.cfg.ServerID)
	}
	o.log.Info("lifecycle record created")
	o.metrics.setPhase(o.cfg.ServerID, rec.Phase)
	return rec, nil
}

// Status returns the current record. It never waits for in-flight work.
func (o *Orchestrator) Status(ctx context.Context) (*models.LifecycleRecord, error) {
	rec, err := o.store.Load(ctx, o.cfg.ServerID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return rec, nil
}

// RequestStart begins provisioning when the server is stopped.
func (o *Orchestrator) RequestStart(ctx context.Context) (*Ack, error) {
	return o.request(ctx, models.OpStart, models.PhaseStopped, models.PhaseProvisioning)
}

// RequestStop begins the graceful shutdown when the server is running.
func (o *Orchestrator) RequestStop(ctx context.Context) (*Ack, error) {
	return o.request(ctx, models.OpStop, models.PhaseRunning, models.PhaseStopping)
}

func (o *Orchestrator) request(ctx context.Context, op string, from, to models.Phase) (*Ack, error) {
	rec, err := o.Status(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Phase != from {
		return nil, o.reject(op, rec)
	}

	token := uuid.NewString()
	next := o.advance(rec, to)
	next.PendingOperationToken = token
	next.LastToken = token
	next.Operation = op
	next.FailedFrom = ""
	if to == models.PhaseProvisioning {
		next.InstanceID = ""
		next.PublicAddress = ""
	}

	if err := o.claim(ctx, token); err != nil {
		return nil, err
	}
	ok, err := o.swap(ctx, rec, next)
	if err != nil {
		o.release(token)
		return nil, err
	}
	if !ok {
		o.release(token)
		cur, err := o.Status(ctx)
		if err != nil {
			return nil, err
		}
		return nil, o.reject(op, cur)
	}

	o.log.Info("operation accepted", zap.String("op", op), zap.String("token", token))
	o.launch(token)
	return &Ack{Token: token, Phase: to}, nil
}

func (o *Orchestrator) reject(op string, rec *models.LifecycleRecord) error {
	o.metrics.rejections.WithLabelValues(o.cfg.ServerID, op).Inc()
	var reason string
	switch {
	case rec.Phase.Transitional():
		reason = "busy: " + string(rec.Phase)
	case rec.Phase == models.PhaseFailed:
		reason = "failed: reconcile first"
	case rec.Phase == models.PhaseRunning:
		reason = "already running"
	case rec.Phase == models.PhaseStopped:
		reason = "already stopped"
	default:
		reason = "record changed concurrently"
	}
	return &PreconditionError{Op: op, Phase: rec.Phase, Reason: reason}
}

// advance copies rec into the next phase.
func (o *Orchestrator) advance(rec *models.LifecycleRecord, to models.Phase) *models.LifecycleRecord {
	next := rec.Clone()
	next.Phase = to
	next.LastTransitionAt = o.now()
	next.LastError = ""
	return next
}

// settle marks the end of an operation.
func settle(next *models.LifecycleRecord) {
	next.PendingOperationToken = ""
	next.Operation = ""
	next.FailedFrom = ""
}

// swap commits next over prev and publishes the change. Store errors are
// retried with the external call backoff, and a write that reported an error
// but did land is recognised by the following attempt.
func (o *Orchestrator) swap(ctx context.Context, prev, next *models.LifecycleRecord) (bool, error) {
	var (
		ok       bool
		errored  bool
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		ok, err = o.store.CompareAndSwap(ctx, prev, next)
		if err == nil && !ok && errored {
			ok, err = o.landed(ctx, prev, next)
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			errored = true
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.metrics.retries.WithLabelValues("store.swap").Inc()
		o.log.Warn("store write failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(o.newBackoff(), uint64(o.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return false, fmt.Errorf("swap record: %w", err)
	}
	if !ok {
		return false, nil
	}

	o.metrics.transitions.WithLabelValues(o.cfg.ServerID, string(prev.Phase), string(next.Phase)).Inc()
	o.metrics.setPhase(o.cfg.ServerID, next.Phase)
	o.log.Info("phase changed",
		zap.String("from", string(prev.Phase)),
		zap.String("to", string(next.Phase)),
		zap.Int64("revision", next.Revision))

	ev := models.LifecycleEvent{
		ServerID: o.cfg.ServerID,
		From:     prev.Phase,
		To:       next.Phase,
		Record:   *next.Clone(),
		At:       next.LastTransitionAt,
	}
	for _, n := range o.notifiers {
		n.Notify(ctx, ev)
	}
	return true, nil
}

// landed reports whether next is already stored as the direct successor of prev.
func (o *Orchestrator) landed(ctx context.Context, prev, next *models.LifecycleRecord) (bool, error) {
	if prev == nil {
		return false, nil
	}
	cur, err := o.store.Load(ctx, next.ServerID)
	if err != nil {
		return false, err
	}
	if cur.Revision != prev.Revision+1 ||
		cur.Phase != next.Phase ||
		cur.PendingOperationToken != next.PendingOperationToken ||
		!cur.LastTransitionAt.Equal(next.LastTransitionAt) {
		return false, nil
	}
	next.Revision = cur.Revision
	return true, nil
}

// load reads the record, retrying store errors.
func (o *Orchestrator) load(ctx context.Context) (*models.LifecycleRecord, error) {
	var rec *models.LifecycleRecord
	op := func() error {
		r, err := o.store.Load(ctx, o.cfg.ServerID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, storage.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		rec = r
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(o.newBackoff(), uint64(o.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return rec, nil
}

// claim takes the lease of token before the record names it.
func (o *Orchestrator) claim(ctx context.Context, token string) error {
	if err := o.store.RenewLease(ctx, o.cfg.ServerID, token, o.cfg.LeaseTTL); err != nil {
		return fmt.Errorf("claim operation lease: %w", err)
	}
	return nil
}

func (o *Orchestrator) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	if err := o.store.ReleaseLease(ctx, o.cfg.ServerID, token); err != nil {
		o.log.Warn("release operation lease", zap.String("token", token), zap.Error(err))
	}
}

// launch drives token's workflow in the background and keeps its lease
// alive until the workflow returns. The lease must already be claimed.
func (o *Orchestrator) launch(token string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, stop := context.WithCancel(o.ctx)
		beat := make(chan struct{})
		go func() {
			defer close(beat)
			o.heartbeat(ctx, token)
		}()
		o.drive(ctx, token)
		stop()
		<-beat
		o.release(token)
	}()
}

func (o *Orchestrator) heartbeat(ctx context.Context, token string) {
	t := time.NewTicker(o.cfg.LeaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := o.store.RenewLease(ctx, o.cfg.ServerID, token, o.cfg.LeaseTTL); err != nil && ctx.Err() == nil {
			o.log.Warn("renew operation lease", zap.String("token", token), zap.Error(err))
		}
	}
}
