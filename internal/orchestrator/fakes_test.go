package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/devghori1264/mcpanel/internal/storage"
	"github.com/stretchr/testify/require"
)

type fakeCloud struct {
	mu             sync.Mutex
	byID           map[string]models.Instance
	byToken        map[string]string
	seq            int
	nextAddr       string
	createFailures int
	creates        int
	destroyed      []string
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{byID: map[string]models.Instance{}, byToken: map[string]string{}}
}

// put registers an existing VM as if created with token.
func (c *fakeCloud) put(token string, inst models.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[inst.ID] = inst
	if token != "" {
		c.byToken[token] = inst.ID
	}
}

func (c *fakeCloud) CreateInstance(_ context.Context, spec models.InstanceSpec) (models.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	if c.createFailures > 0 {
		c.createFailures--
		return models.Instance{}, errors.New("quota exceeded")
	}
	if id, ok := c.byToken[spec.RequestToken]; ok {
		return c.byID[id], nil
	}
	c.seq++
	addr := c.nextAddr
	if addr == "" {
		addr = fmt.Sprintf("10.0.1.%d", c.seq)
	}
	inst := models.Instance{ID: fmt.Sprintf("i-%d", c.seq), Address: addr, Status: models.MachineRunning}
	c.byID[inst.ID] = inst
	c.byToken[spec.RequestToken] = inst.ID
	return inst, nil
}

func (c *fakeCloud) DestroyInstance(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
	c.destroyed = append(c.destroyed, id)
	return nil
}

func (c *fakeCloud) DescribeInstance(_ context.Context, id string) (models.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.byID[id]
	if !ok {
		return models.Instance{}, models.ErrInstanceNotFound
	}
	return inst, nil
}

func (c *fakeCloud) FindInstance(_ context.Context, token string) (models.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byToken[token]
	if !ok {
		return models.Instance{}, models.ErrInstanceNotFound
	}
	inst, ok := c.byID[id]
	if !ok {
		return models.Instance{}, models.ErrInstanceNotFound
	}
	return inst, nil
}

func (c *fakeCloud) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

func (c *fakeCloud) exists(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byID[id]
	return ok
}

type fakeBackups struct {
	mu      sync.Mutex
	latest  int64
	uploads int
}

func (b *fakeBackups) FetchLatest(context.Context) (models.ArchiveHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == 0 {
		return models.ArchiveHandle{}, nil
	}
	return models.ArchiveHandle{Version: b.latest, Key: fmt.Sprintf("world-%d.tar.gz", b.latest)}, nil
}

func (b *fakeBackups) NewArchive(context.Context) (models.ArchiveHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.latest + 1
	return models.ArchiveHandle{Version: v, Key: fmt.Sprintf("world-%d.tar.gz", v), URL: "https://s3.test/put"}, nil
}

func (b *fakeBackups) Upload(_ context.Context, h models.ArchiveHandle) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	b.latest = max(b.latest, h.Version)
	return h.Version, nil
}

type fakeProc struct {
	mu          sync.Mutex
	ready       map[string]bool
	unreachable map[string]bool
	stopErr     error
	startGate   chan struct{}
	starts      int
	stops       int
	restored    []models.ArchiveHandle
	archived    []models.ArchiveHandle
}

func newFakeProc() *fakeProc {
	return &fakeProc{ready: map[string]bool{}, unreachable: map[string]bool{}}
}

func (p *fakeProc) Start(ctx context.Context, addr string) error {
	p.mu.Lock()
	gate := p.startGate
	p.starts++
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.ready[addr] = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) Stop(_ context.Context, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	if p.stopErr != nil {
		return p.stopErr
	}
	p.ready[addr] = false
	return nil
}

func (p *fakeProc) WaitReady(_ context.Context, addr string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready[addr] {
		return errors.New("not ready")
	}
	return nil
}

func (p *fakeProc) Restore(_ context.Context, _ string, h models.ArchiveHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored = append(p.restored, h)
	return nil
}

func (p *fakeProc) Archive(_ context.Context, _ string, h models.ArchiveHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archived = append(p.archived, h)
	return nil
}

func (p *fakeProc) Reachable(_ context.Context, addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unreachable[addr]
}

func (p *fakeProc) Ready(_ context.Context, addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[addr]
}

func (p *fakeProc) restoredHandles() []models.ArchiveHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ArchiveHandle(nil), p.restored...)
}

func (b *fakeBackups) uploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads
}

func (p *fakeProc) counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

type harness struct {
	store   *storage.BadgerStore
	cloud   *fakeCloud
	backups *fakeBackups
	proc    *fakeProc
	hub     *Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{
		store:   store,
		cloud:   newFakeCloud(),
		backups: &fakeBackups{},
		proc:    newFakeProc(),
		hub:     NewHub(),
	}
}

func testConfig(serverID string) Config {
	return Config{
		ServerID:       serverID,
		Instance:       models.InstanceSpec{Region: "ru-1", Flavor: "4c8g"},
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		CallTimeout:    time.Second,
		ReadyTimeout:   50 * time.Millisecond,
		ProbeTimeout:   100 * time.Millisecond,
	}
}

func (h *harness) orchestrator(t *testing.T, serverID string) *Orchestrator {
	t.Helper()
	return h.orchestratorOn(t, h.store, func(c *Config) { c.ServerID = serverID })
}

// orchestratorOn builds an orchestrator for server "mc" on store, which
// may wrap h.store, with tune applied to the test config.
func (h *harness) orchestratorOn(t *testing.T, store storage.LifecycleStore, tune func(*Config)) *Orchestrator {
	t.Helper()
	cfg := testConfig("mc")
	if tune != nil {
		tune(&cfg)
	}
	o, err := New(cfg, Deps{
		Store:   store,
		Cloud:   h.cloud,
		Backups: h.backups,
		Process: h.proc,
	}, WithNotifier(h.hub))
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

var errDiskHiccup = errors.New("disk hiccup")

// flakyStore injects store failures into a shared BadgerStore.
type flakyStore struct {
	*storage.BadgerStore

	mu sync.Mutex
	// failSwaps counts the writes into a phase that fail; -1 fails forever.
	failSwaps map[models.Phase]int
	// landFirst applies a failing write before reporting the error.
	landFirst bool
	// dropLeases silently ignores lease renewals, like a partitioned process.
	dropLeases bool
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, expected, next *models.LifecycleRecord) (bool, error) {
	s.mu.Lock()
	n := s.failSwaps[next.Phase]
	if n > 0 {
		s.failSwaps[next.Phase] = n - 1
	}
	land := s.landFirst
	s.mu.Unlock()

	if n == 0 {
		return s.BadgerStore.CompareAndSwap(ctx, expected, next)
	}
	if land {
		if _, err := s.BadgerStore.CompareAndSwap(ctx, expected, next.Clone()); err != nil {
			return false, err
		}
	}
	return false, errDiskHiccup
}

func (s *flakyStore) RenewLease(ctx context.Context, serverID, token string, ttl time.Duration) error {
	if s.dropLeases {
		return nil
	}
	return s.BadgerStore.RenewLease(ctx, serverID, token, ttl)
}

func (p *fakeProc) startCount() int {
	starts, _ := p.counts()
	return starts
}

// seed writes rec as the stored record, bypassing the orchestrator.
func (h *harness) seed(t *testing.T, rec *models.LifecycleRecord) {
	t.Helper()
	ok, err := h.store.CompareAndSwap(context.Background(), nil, rec)
	require.NoError(t, err)
	require.True(t, ok)
}

func waitPhase(t *testing.T, o *Orchestrator, phase models.Phase) *models.LifecycleRecord {
	t.Helper()
	var rec *models.LifecycleRecord
	require.Eventually(t, func() bool {
		r, err := o.Status(context.Background())
		if err != nil {
			return false
		}
		rec = r
		return r.Phase == phase
	}, 3*time.Second, 5*time.Millisecond, "phase never became %s", phase)
	return rec
}
