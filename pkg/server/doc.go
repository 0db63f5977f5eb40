// Package server is the network front of the relay.
//
// It accepts WebSocket connections over HTTP, runs each through the Relay
// state machine and owns the session Manager that flushes and evicts
// documents in the background.
//
// # Connection Lifecycle
//
// Every connection runs two goroutines:
//   - ReadPump: reads frames and hands them to the Relay, in order
//   - WritePump: drains the outbound queue and sends heartbeat pings
//
// A connection starts unauthenticated. session-create or session-auth joins
// it to a session in the Registry; from then on its edits are applied to the
// session document and relayed to the other members. Outbound frames are
// queued without blocking; a connection whose queue fills is closed as a
// slow consumer.
//
// # Routes
//
//   - GET / and GET /ws: WebSocket upgrade
//   - GET /healthz: resident sessions and open connections as JSON
//   - GET /metrics: Prometheus exposition, when metrics are enabled
//
// # Example Usage
//
//	store := session.NewStore(session.NewMemoryRepository(), auth.NewScryptHasher(auth.DefaultScryptParams()))
//	srv := server.New(server.DefaultConfig(), store, server.WithMetrics(middleware.NewMetrics()))
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// Server, Registry and Conn are safe for concurrent use. The per-connection
// client state inside Relay is only touched by that connection's read
// goroutine.
package server
