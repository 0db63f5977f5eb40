// Package session holds the authoritative state of every collaboration
// session and keeps it in step with durable storage.
//
// # Documents
//
// A Document is one resident session. Its State (instruments and rolls) is
// only reachable through the document's lock:
//
//	doc.Update(func(s *session.State) {
//	    s.Apply(msg)
//	})
//
// # Store
//
// The Store is a sharded map of resident documents. Sessions are created
// with a password and later re-entered with it; a session that is not
// resident is hydrated from the Repository on first successful
// authentication:
//
//	store := session.NewStore(repo, auth.NewScryptHasher(auth.DefaultScryptParams()))
//	doc, err := store.Authenticate(ctx, id, password, join)
//
// # Repositories
//
// A Repository persists Records. Four backends are provided:
//
//	session.NewMemoryRepository()
//	session.DialRedis(ctx, "redis://localhost:6379/0")
//	session.OpenSQLite(ctx, "pianoroll.db")
//	session.NewS3Repository(session.NewS3Client(cfg), bucket, prefix)
//
// # Manager
//
// The Manager flushes dirty sessions every FlushInterval and evicts sessions
// with no connections every ReapInterval, flushing them first:
//
//	manager := session.NewManager(store, registry, session.DefaultManagerConfig(), logger)
//	defer manager.Shutdown(ctx)
package session
