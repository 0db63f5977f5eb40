package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ClientIndex is the view of the connection registry the Manager needs.
type ClientIndex interface {
	// Members returns the number of connections joined to the session.
	Members(sessionID string) int

	// RemoveIfEmpty drops the session's entry if it has no connections and
	// reports whether the session is now free of connections.
	RemoveIfEmpty(sessionID string) bool
}

// Observer receives persistence events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveFlush(d time.Duration, err error)
	ObserveEviction()
	SetResident(n int)
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	// FlushInterval is how often dirty sessions are written to the repository.
	// Default: 60 seconds.
	FlushInterval time.Duration

	// ReapInterval is how often sessions without connections are flushed and
	// evicted from memory.
	// Default: 30 seconds.
	ReapInterval time.Duration

	// FlushTimeout bounds a single repository write.
	// Default: 10 seconds.
	FlushTimeout time.Duration

	// FlushConcurrency caps the repository writes a pass runs in parallel.
	// Default: 8.
	FlushConcurrency int

	// Observer, if set, receives flush and eviction events.
	Observer Observer
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		FlushInterval:    60 * time.Second,
		ReapInterval:     30 * time.Second,
		FlushTimeout:     10 * time.Second,
		FlushConcurrency: 8,
	}
}

// ErrManagerStopped is returned by FlushAll and Reap once Shutdown has
// started.
var ErrManagerStopped = errors.New("session manager is stopped")

// Manager runs the periodic flush and reap passes over a Store.
type Manager struct {
	store   *Store
	clients ClientIndex
	config  ManagerConfig
	logger  *slog.Logger

	// pass serializes flush and reap passes with Shutdown's final flush.
	pass sync.Mutex

	mu      sync.Mutex
	done    chan struct{}
	exited  chan struct{}
	stopped bool
}

// NewManager creates a manager and starts its background loop.
func NewManager(store *Store, clients ClientIndex, config ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultManagerConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = defaults.ReapInterval
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	if config.FlushConcurrency <= 0 {
		config.FlushConcurrency = defaults.FlushConcurrency
	}

	m := &Manager{
		store:   store,
		clients: clients,
		config:  config,
		logger:  logger.With("component", "session_manager"),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	go m.loop()

	return m
}

func (m *Manager) loop() {
	defer close(m.exited)

	flush := time.NewTicker(m.config.FlushInterval)
	defer flush.Stop()
	reap := time.NewTicker(m.config.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-flush.C:
			if err := m.FlushAll(context.Background()); err != nil && !errors.Is(err, ErrManagerStopped) {
				m.logger.Warn("flush pass incomplete", "error", err)
			}
		case <-reap.C:
			if _, err := m.Reap(context.Background()); err != nil && !errors.Is(err, ErrManagerStopped) {
				m.logger.Warn("reap pass incomplete", "error", err)
			}
		case <-m.done:
			return
		}
	}
}

// FlushAll writes every dirty resident session to the repository. A failed
// session stays dirty and is retried on the next pass; the failures are
// joined into the returned error. After Shutdown it returns
// ErrManagerStopped.
func (m *Manager) FlushAll(ctx context.Context) error {
	if m.isStopped() {
		return ErrManagerStopped
	}
	return m.flushAll(ctx)
}

func (m *Manager) flushAll(ctx context.Context) error {
	m.pass.Lock()
	defer m.pass.Unlock()

	var dirty []*Document
	for _, doc := range m.store.Documents() {
		if doc.Dirty() {
			dirty = append(dirty, doc)
		}
	}

	errs := m.flushDocs(ctx, dirty)
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(dirty) > 0 {
		m.logger.Debug("flushed sessions", "count", len(dirty)-failed, "failed", failed)
	}
	return errors.Join(errs...)
}

// flushDocs writes docs with at most FlushConcurrency writes in flight and
// returns each document's error at its index.
func (m *Manager) flushDocs(ctx context.Context, docs []*Document) []error {
	errs := make([]error, len(docs))
	sem := make(chan struct{}, m.config.FlushConcurrency)
	var wg sync.WaitGroup

	for i, doc := range docs {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			errs[i] = m.flush(ctx, doc)
		}()
	}
	wg.Wait()
	return errs
}

func (m *Manager) flush(ctx context.Context, doc *Document) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := m.store.Flush(ctx, doc)
	if m.config.Observer != nil {
		m.config.Observer.ObserveFlush(time.Since(start), err)
	}
	if err != nil {
		m.logger.Warn("flush failed", "session_id", doc.ID, "error", err)
	}
	return err
}

// Reap evicts resident sessions that have no connections, flushing them
// first. A session whose final flush fails stays resident. Returns the
// number of sessions evicted, or ErrManagerStopped after Shutdown.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	if m.isStopped() {
		return 0, ErrManagerStopped
	}

	m.pass.Lock()
	defer m.pass.Unlock()

	var idle, dirty []*Document
	for _, doc := range m.store.Documents() {
		if m.clients.Members(doc.ID) > 0 {
			continue
		}
		idle = append(idle, doc)
		if doc.Dirty() {
			dirty = append(dirty, doc)
		}
	}
	// Failed flushes leave their documents dirty, and EvictIf keeps dirty
	// documents resident.
	m.flushDocs(ctx, dirty)

	evicted := 0
	for _, doc := range idle {
		id := doc.ID
		if m.store.EvictIf(id, func(*Document) bool { return m.clients.RemoveIfEmpty(id) }) {
			evicted++
			if m.config.Observer != nil {
				m.config.Observer.ObserveEviction()
			}
			m.logger.Debug("evicted session", "session_id", id)
		}
	}

	if m.config.Observer != nil {
		m.config.Observer.SetResident(m.store.Len())
	}
	return evicted, nil
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Shutdown stops the background loop and flushes every dirty session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.done)
	m.mu.Unlock()

	select {
	case <-m.exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.flushAll(ctx); err != nil {
		m.logger.Warn("failed to persist sessions on shutdown", "error", err)
		return err
	}
	m.logger.Info("persisted sessions on shutdown", "resident", m.store.Len())
	return nil
}

// Stats returns manager statistics.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{}
	for _, doc := range m.store.Documents() {
		stats.Resident++
		if doc.Dirty() {
			stats.Dirty++
		}
	}
	return stats
}

// ManagerStats contains session manager statistics.
type ManagerStats struct {
	// Resident is the number of sessions held in memory.
	Resident int

	// Dirty is the number of resident sessions with unflushed changes.
	Dirty int
}
