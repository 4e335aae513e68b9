// Package cloudsim simulates the cloud provider's machines API: machines are
// created idempotently by request token, boot after a delay and receive an
// address, and can be destroyed. State is persisted so a restarted simulator
// still knows its machines.
package cloudsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/devghori1264/mcpanel/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	ErrNameRequired   = errors.New("name required")
	ErrRegionRequired = errors.New("region required")
	ErrTokenRequired  = errors.New("request token required")
)

// EventPublisher publishes machine events (NATS in production).
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Server implements the simulated machines service and their boot FSM.
type Server struct {
	store  storage.MachineStore
	log    *zap.Logger
	pub    EventPublisher
	events *prometheus.CounterVec

	bootDelay time.Duration

	mu sync.RWMutex
	// in-memory cache of machines to avoid hot DB on reads; persisted in store.
	cache map[string]*models.Machine
	// operations mutex per machine id
	opMu sync.Map
	// createMu makes the token lookup and insert of CreateMachine atomic.
	createMu sync.Mutex

	addrMu   sync.Mutex
	nextHost int

	wg sync.WaitGroup
}

type Option func(*Server)

// WithBootDelay sets how long a machine stays pending.
func WithBootDelay(d time.Duration) Option {
	return func(s *Server) { s.bootDelay = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithPublisher(p EventPublisher) Option {
	return func(s *Server) { s.pub = p }
}

// WithRegisterer counts machine events on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.events = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudsim",
			Name:      "machine_events_total",
			Help:      "Machine lifecycle events by kind.",
		}, []string{"event"})
	}
}

// New creates a new server instance.
func New(store storage.MachineStore, opts ...Option) *Server {
	s := &Server{
		store:     store,
		log:       zap.NewNop(),
		bootDelay: 500 * time.Millisecond,
		cache:     make(map[string]*models.Machine),
		nextHost:  5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resume restarts the boot of machines left pending by a previous run.
func (s *Server) Resume(ctx context.Context) error {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return err
	}
	for _, m := range machines {
		if m.Status == models.MachinePending {
			s.boot(m.ID)
		}
	}
	return nil
}

// Wait blocks until background boots have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// CreateMachine creates a new simulated machine. A repeated request token
// returns the existing machine and created == false.
func (s *Server) CreateMachine(ctx context.Context, spec models.InstanceSpec) (m *models.Machine, created bool, err error) {
	if spec.Name == "" {
		return nil, false, ErrNameRequired
	}
	if spec.Region == "" {
		return nil, false, ErrRegionRequired
	}
	if spec.RequestToken == "" {
		return nil, false, ErrTokenRequired
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.store.FindMachineByToken(ctx, spec.RequestToken)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	m = &models.Machine{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		Region:       spec.Region,
		Flavor:       spec.Flavor,
		Image:        spec.Image,
		RequestToken: spec.RequestToken,
		Status:       models.MachinePending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     map[string]string{},
	}
	if spec.UserData != "" {
		m.Metadata["user_data_bytes"] = fmt.Sprint(len(spec.UserData))
	}

	if err := s.store.SaveMachine(ctx, m); err != nil {
		return nil, false, fmt.Errorf("save: %w", err)
	}
	s.remember(m)
	s.log.Info("machine created", zap.String("id", m.ID), zap.String("region", m.Region))
	s.publish(ctx, "machine.created", m)

	// spawn background startup routine
	s.boot(m.ID)
	return m, true, nil
}

// GetMachine fetches a machine by ID.
func (s *Server) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	return s.getMachineCached(ctx, id)
}

// FindMachine fetches a machine by the request token that created it.
func (s *Server) FindMachine(ctx context.Context, token string) (*models.Machine, error) {
	return s.store.FindMachineByToken(ctx, token)
}

// DeleteMachine terminates and removes a machine.
func (s *Server) DeleteMachine(ctx context.Context, id string) error {
	_ = s.acquireOpLock(id)
	defer s.releaseOpLock(id)

	m, err := s.getMachineCached(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMachine(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	m.Status = models.MachineTerminated
	s.log.Info("machine deleted", zap.String("id", id))
	s.publish(ctx, "machine.deleted", m)
	return nil
}

func (s *Server) boot(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transitionToRunning(id)
	}()
}

// transitionToRunning simulates a machine boot process.
func (s *Server) transitionToRunning(id string) {
	time.Sleep(s.bootDelay) // simulate startup time

	_ = s.acquireOpLock(id)
	defer s.releaseOpLock(id)

	ctx := context.Background()
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		// deleted while booting
		return
	}
	if m.Status != models.MachinePending {
		return
	}

	m.Status = models.MachineRunning
	m.Address = s.allocateAddress()
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveMachine(ctx, m); err != nil {
		s.log.Error("save booted machine", zap.String("id", id), zap.Error(err))
		return
	}
	s.remember(m)
	s.log.Info("machine running", zap.String("id", id), zap.String("address", m.Address))
	s.publish(ctx, "machine.running", m)
}

func (s *Server) allocateAddress() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	host := s.nextHost
	s.nextHost++
	if s.nextHost > 254 {
		s.nextHost = 5
	}
	return fmt.Sprintf("10.0.0.%d", host)
}

func (s *Server) publish(ctx context.Context, event string, m *models.Machine) {
	if s.events != nil {
		s.events.WithLabelValues(event).Inc()
	}
	if s.pub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":   event,
		"id":      m.ID,
		"region":  m.Region,
		"status":  m.Status,
		"address": m.Address,
		"time":    time.Now().Unix(),
	})
	if err := s.pub.Publish(ctx, "machines.events", payload); err != nil {
		s.log.Warn("publish machine event", zap.String("event", event), zap.Error(err))
	}
}

func (s *Server) remember(m *models.Machine) {
	cp := *m
	s.mu.Lock()
	s.cache[m.ID] = &cp
	s.mu.Unlock()
}

// getMachineCached returns a machine (from cache or store).
func (s *Server) getMachineCached(ctx context.Context, id string) (*models.Machine, error) {
	s.mu.RLock()
	if m, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		cp := *m
		return &cp, nil
	}
	s.mu.RUnlock()

	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(m)
	return m, nil
}

// acquireOpLock ensures only one op per machine at a time.
func (s *Server) acquireOpLock(id string) *sync.Mutex {
	v, _ := s.opMu.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}

// releaseOpLock releases the op lock.
func (s *Server) releaseOpLock(id string) {
	v, ok := s.opMu.Load(id)
	if !ok {
		return
	}
	mtx := v.(*sync.Mutex)
	mtx.Unlock()
}
