package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	rerrors "github.com/vango-dev/pianoroll/internal/errors"
	"github.com/vango-dev/pianoroll/pkg/auth"
)

var (
	// ErrAuthFailed is returned when the id is unknown or the password does
	// not match. The two cases are indistinguishable to callers.
	ErrAuthFailed = rerrors.New(rerrors.CodeAuth)

	// ErrUnknownSession is the cause wrapped by ErrAuthFailed when the id is
	// in neither memory nor the repository. Only server-side logs see it.
	ErrUnknownSession = rerrors.New(rerrors.CodeUnknownSession)
)

// AttachFunc is called while a document is guaranteed to stay resident.
// The relay uses it to register the connection with the session, so eviction
// can never slip between authentication and membership.
type AttachFunc func(*Document)

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	shards int
	now    func() time.Time
	logger *slog.Logger
}

// WithShards sets the number of lock shards. Default: 32.
func WithShards(n int) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

type shard struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// Store holds resident sessions in memory, hydrating them from a Repository
// on demand.
//
// Lock order is shard, then document, then whatever AttachFunc or an
// eviction predicate takes. Nothing holding a document lock may take a shard
// lock.
type Store struct {
	shards []*shard
	repo   Repository
	hasher auth.Hasher
	now    func() time.Time
	logger *slog.Logger

	decoyOnce sync.Once
	decoy     string
}

// NewStore creates a store backed by repo.
func NewStore(repo Repository, hasher auth.Hasher, opts ...StoreOption) *Store {
	cfg := &storeConfig{
		shards: 32,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Store{
		shards: make([]*shard, cfg.shards),
		repo:   repo,
		hasher: hasher,
		now:    cfg.now,
		logger: cfg.logger.With("component", "store"),
	}
	for i := range s.shards {
		s.shards[i] = &shard{docs: make(map[string]*Document)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

// Create makes a new session protected by password, persists it and makes it
// resident. The session is not resident if persistence fails.
func (s *Store) Create(ctx context.Context, password string, attach AttachFunc) (*Document, error) {
	credential, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	id := uuid.NewString()
	doc := newDocument(id, credential, NewState(), now)

	rec, err := NewRecord(id, credential, NewState(), now, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return nil, rerrors.New(rerrors.CodeRepository).WithDetail("create " + id).Wrap(err)
	}

	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.docs[id] = doc
	if attach != nil {
		attach(doc)
	}
	sh.mu.Unlock()

	s.logger.Debug("session created", "session_id", id)
	return doc, nil
}

// Authenticate verifies password against session id, hydrating it from the
// repository if it is not resident. It returns ErrAuthFailed for an unknown
// id or wrong password, and a repository error if the lookup itself fails.
func (s *Store) Authenticate(ctx context.Context, id, password string, attach AttachFunc) (*Document, error) {
	sh := s.shardFor(id)

	for {
		sh.mu.RLock()
		doc := sh.docs[id]
		sh.mu.RUnlock()

		if doc == nil {
			var err error
			doc, err = s.hydrate(ctx, id, password)
			if err != nil {
				return nil, err
			}
		} else if !s.hasher.Verify(password, doc.credential) {
			return nil, ErrAuthFailed
		}

		sh.mu.Lock()
		resident, ok := sh.docs[id]
		switch {
		case !ok:
			// Loaded from the repository, or evicted since the lookup.
			sh.docs[id] = doc
			resident = doc
		case resident != doc && resident.credential != doc.credential:
			sh.mu.Unlock()
			continue
		}
		if attach != nil {
			attach(resident)
		}
		sh.mu.Unlock()
		return resident, nil
	}
}

// Verify checks password against a document the caller already holds. A
// connection that created or joined the session uses it to re-authenticate.
func (s *Store) Verify(doc *Document, password string) error {
	if !s.hasher.Verify(password, doc.credential) {
		return ErrAuthFailed
	}
	return nil
}

// hydrate loads and verifies a session without making it resident.
func (s *Store) hydrate(ctx context.Context, id, password string) (*Document, error) {
	rec, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, rerrors.New(rerrors.CodeRepository).WithDetail("find " + id).Wrap(err)
	}
	if rec == nil {
		// Same work as a real check, so a miss is not observable by timing.
		s.hasher.Verify(password, s.decoyCredential())
		return nil, rerrors.New(rerrors.CodeAuth).Wrap(ErrUnknownSession)
	}
	if !s.hasher.Verify(password, rec.Password) {
		return nil, ErrAuthFailed
	}

	state, err := rec.State()
	if err != nil {
		return nil, rerrors.New(rerrors.CodeRepository).WithDetail("decode " + id).Wrap(err)
	}
	s.logger.Debug("session hydrated", "session_id", id)
	return newDocument(id, rec.Password, state, rec.CreatedAt), nil
}

func (s *Store) decoyCredential() string {
	s.decoyOnce.Do(func() {
		cred, err := s.hasher.Hash(uuid.NewString())
		if err != nil {
			s.logger.Warn("decoy credential", "error", err)
		}
		s.decoy = cred
	})
	return s.decoy
}

// Get returns the resident document for id, or nil.
func (s *Store) Get(id string) *Document {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.docs[id]
}

// Documents returns every resident document.
func (s *Store) Documents() []*Document {
	var out []*Document
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, doc := range sh.docs {
			out = append(out, doc)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of resident sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.docs)
		sh.mu.RUnlock()
	}
	return n
}

// EvictIf drops the resident session id when it has no unflushed changes and
// canEvict approves. canEvict runs with the shard locked, so no
// Authenticate or Create for id can attach concurrently.
func (s *Store) EvictIf(id string, canEvict func(*Document) bool) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	doc, ok := sh.docs[id]
	if !ok {
		return false
	}
	if doc.Dirty() {
		return false
	}
	if canEvict != nil && !canEvict(doc) {
		return false
	}
	delete(sh.docs, id)
	return true
}

// Flush writes the current state of doc to the repository. The state is
// copied under the document lock; the write happens outside it.
func (s *Store) Flush(ctx context.Context, doc *Document) error {
	state, version := doc.flushPoint()
	rec, err := NewRecord(doc.ID, doc.credential, state, doc.CreatedAt, s.now().UTC())
	if err != nil {
		return rerrors.New(rerrors.CodeRepository).WithDetail("encode " + doc.ID).Wrap(err)
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return rerrors.New(rerrors.CodeRepository).WithDetail("upsert " + doc.ID).Wrap(err)
	}
	doc.markFlushed(version)
	return nil
}

// Repository returns the backing repository.
func (s *Store) Repository() Repository {
	return s.repo
}
