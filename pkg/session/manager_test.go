package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClients struct {
	mu      sync.Mutex
	members map[string]int
	removed []string
}

func newFakeClients() *fakeClients {
	return &fakeClients{members: make(map[string]int)}
}

func (f *fakeClients) set(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = n
}

func (f *fakeClients) Members(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[id]
}

func (f *fakeClients) RemoveIfEmpty(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[id] > 0 {
		return false
	}
	delete(f.members, id)
	f.removed = append(f.removed, id)
	return true
}

type recordingObserver struct {
	mu        sync.Mutex
	flushes   int
	failures  int
	evictions int
	resident  int
}

func (o *recordingObserver) ObserveFlush(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) ObserveEviction() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictions++
}

func (o *recordingObserver) SetResident(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resident = n
}

// newTestManager returns a manager whose loop never fires during a test.
func newTestManager(t *testing.T, store *Store, clients ClientIndex, obs Observer) *Manager {
	t.Helper()
	m := NewManager(store, clients, ManagerConfig{
		FlushInterval: time.Hour,
		ReapInterval:  time.Hour,
		Observer:      obs,
	}, nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func mustReap(t *testing.T, m *Manager, ctx context.Context) int {
	t.Helper()
	n, err := m.Reap(ctx)
	require.NoError(t, err)
	return n
}

func TestManagerFlushAllWritesDirtyOnly(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	obs := &recordingObserver{}
	m := newTestManager(t, store, newFakeClients(), obs)

	clean, err := store.Create(ctx, "a", nil)
	require.NoError(t, err)
	dirty, err := store.Create(ctx, "b", nil)
	require.NoError(t, err)
	dirty.Update(func(s *State) { s.ApplyInstrumentCreate(instID, piano()) })

	_, before := repo.counts()
	require.NoError(t, m.FlushAll(ctx))
	_, after := repo.counts()
	assert.Equal(t, 1, after-before)
	assert.False(t, dirty.Dirty())
	assert.False(t, clean.Dirty())
	assert.Equal(t, 1, obs.flushes)

	rec, err := repo.Find(ctx, dirty.ID)
	require.NoError(t, err)
	state, err := rec.State()
	require.NoError(t, err)
	assert.Contains(t, state.Instruments, instID)

	// Nothing dirty, nothing written.
	require.NoError(t, m.FlushAll(ctx))
	_, again := repo.counts()
	assert.Equal(t, after, again)
}

func TestManagerFlushAllReportsFailures(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	obs := &recordingObserver{}
	m := newTestManager(t, store, newFakeClients(), obs)

	doc, err := store.Create(ctx, "a", nil)
	require.NoError(t, err)
	doc.Update(func(s *State) { s.ApplyNoteCreate(rollID, noteID, sampleNote()) })

	repo.setUpsertErr(errors.New("unavailable"))
	err = m.FlushAll(ctx)
	assert.ErrorContains(t, err, "unavailable")
	assert.True(t, doc.Dirty())
	assert.Equal(t, 1, obs.failures)
	assert.Equal(t, ManagerStats{Resident: 1, Dirty: 1}, m.Stats())

	repo.setUpsertErr(nil)
	require.NoError(t, m.FlushAll(ctx))
	assert.Equal(t, ManagerStats{Resident: 1, Dirty: 0}, m.Stats())
}

func TestManagerReap(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	clients := newFakeClients()
	obs := &recordingObserver{}
	m := newTestManager(t, store, clients, obs)

	busy, err := store.Create(ctx, "a", nil)
	require.NoError(t, err)
	clients.set(busy.ID, 2)

	idle, err := store.Create(ctx, "b", nil)
	require.NoError(t, err)
	idle.Update(func(s *State) { s.ApplyInstrumentCreate(instID, piano()) })

	assert.Equal(t, 1, mustReap(t, m, ctx))
	assert.Same(t, busy, store.Get(busy.ID))
	assert.Nil(t, store.Get(idle.ID))
	assert.Equal(t, []string{idle.ID}, clients.removed)
	assert.Equal(t, 1, obs.evictions)
	assert.Equal(t, 1, obs.resident)

	// The final flush persisted the idle session.
	rec, err := repo.Find(ctx, idle.ID)
	require.NoError(t, err)
	state, err := rec.State()
	require.NoError(t, err)
	assert.Contains(t, state.Instruments, instID)

	// And it comes back on the next authentication.
	got, err := store.Authenticate(ctx, idle.ID, "b", nil)
	require.NoError(t, err)
	assert.Contains(t, got.Snapshot().Instruments, instID)
}

func TestManagerReapKeepsSessionWhenFlushFails(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	m := newTestManager(t, store, newFakeClients(), nil)

	doc, err := store.Create(ctx, "a", nil)
	require.NoError(t, err)
	doc.Update(func(s *State) { s.ApplyNoteCreate(rollID, noteID, sampleNote()) })

	repo.setUpsertErr(errors.New("unavailable"))
	assert.Equal(t, 0, mustReap(t, m, ctx))
	assert.Same(t, doc, store.Get(doc.ID))

	repo.setUpsertErr(nil)
	assert.Equal(t, 1, mustReap(t, m, ctx))
	assert.Nil(t, store.Get(doc.ID))
}

func TestManagerShutdownFlushes(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	m := NewManager(store, newFakeClients(), ManagerConfig{FlushInterval: time.Hour, ReapInterval: time.Hour}, nil)

	doc, err := store.Create(ctx, "a", nil)
	require.NoError(t, err)
	doc.Update(func(s *State) { s.ApplyNoteCreate(rollID, noteID, sampleNote()) })

	require.NoError(t, m.Shutdown(ctx))
	assert.False(t, doc.Dirty())

	rec, err := repo.Find(ctx, doc.ID)
	require.NoError(t, err)
	state, err := rec.State()
	require.NoError(t, err)
	assert.Equal(t, sampleNote(), state.Rolls[rollID][noteID])

	// Idempotent.
	require.NoError(t, m.Shutdown(ctx))
}

func TestManagerStoppedRejectsPasses(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	m := NewManager(store, newFakeClients(), ManagerConfig{FlushInterval: time.Hour, ReapInterval: time.Hour}, nil)

	doc, err := store.Create(ctx, "a", nil)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	assert.ErrorIs(t, m.FlushAll(ctx), ErrManagerStopped)
	n, err := m.Reap(ctx)
	assert.ErrorIs(t, err, ErrManagerStopped)
	assert.Zero(t, n)
	assert.Same(t, doc, store.Get(doc.ID))
}

// blockingRepository hangs Upsert for one session until its context ends.
type blockingRepository struct {
	Repository
	stuck string
}

func (b *blockingRepository) Upsert(ctx context.Context, rec *Record) error {
	if rec.ID == b.stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.Repository.Upsert(ctx, rec)
}

func TestManagerHungWriteStallsOnlyItsSession(t *testing.T) {
	repo := &blockingRepository{Repository: NewMemoryRepository()}
	store := NewStore(repo, testHasher())
	ctx := context.Background()

	var docs []*Document
	for range 4 {
		doc, err := store.Create(ctx, "a", nil)
		require.NoError(t, err)
		doc.Update(func(s *State) { s.ApplyNoteCreate(rollID, noteID, sampleNote()) })
		docs = append(docs, doc)
	}
	repo.stuck = docs[0].ID

	m := NewManager(store, newFakeClients(), ManagerConfig{
		FlushInterval:    time.Hour,
		ReapInterval:     time.Hour,
		FlushTimeout:     200 * time.Millisecond,
		FlushConcurrency: 4,
	}, nil)
	t.Cleanup(func() {
		repo.stuck = ""
		_ = m.Shutdown(context.Background())
	})

	start := time.Now()
	err := m.FlushAll(ctx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 600*time.Millisecond, "writes run in parallel")
	assert.True(t, docs[0].Dirty())
	for _, doc := range docs[1:] {
		assert.False(t, doc.Dirty())
	}
}

func TestManagerLoopFlushesPeriodically(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	m := NewManager(store, newFakeClients(), ManagerConfig{
		FlushInterval: 10 * time.Millisecond,
		ReapInterval:  time.Hour,
	}, nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	doc, err := store.Create(ctx, "a", nil)
	require.NoError(t, err)
	_, base := repo.counts()
	doc.Update(func(s *State) { s.ApplyNoteCreate(rollID, noteID, sampleNote()) })

	assert.Eventually(t, func() bool {
		_, n := repo.counts()
		return n > base && !doc.Dirty()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDefaultManagerConfig(t *testing.T) {
	cfg := DefaultManagerConfig()
	assert.Equal(t, 60*time.Second, cfg.FlushInterval)
	assert.Equal(t, 30*time.Second, cfg.ReapInterval)
	assert.Equal(t, 10*time.Second, cfg.FlushTimeout)
	assert.Equal(t, 8, cfg.FlushConcurrency)
}
