package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	rerrors "github.com/vango-dev/pianoroll/internal/errors"
	"github.com/vango-dev/pianoroll/pkg/middleware"
	"github.com/vango-dev/pianoroll/pkg/protocol"
	"github.com/vango-dev/pianoroll/pkg/session"
)

// ErrNotAuthenticated is returned for session messages sent before the
// connection has joined a session. Such messages are dropped.
var ErrNotAuthenticated = rerrors.New(rerrors.CodeAuth).WithDetail("connection has not joined a session")

// Relay runs the message state machine for connections: it authenticates
// them into sessions, answers requests, applies edits and fans them out.
type Relay struct {
	store    *session.Store
	registry *Registry
	metrics  *middleware.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewRelay creates a relay over store and registry. metrics may be nil.
func NewRelay(store *session.Store, registry *Registry, metrics *middleware.Metrics, tracer trace.Tracer, logger *slog.Logger) *Relay {
	if tracer == nil {
		tracer = middleware.Tracer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:    store,
		registry: registry,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "relay"),
	}
}

// client is the relay's view of one connection. Only the connection's read
// goroutine touches it.
type client struct {
	conn *Conn
	doc  *session.Document
}

func (c *client) sessionID() string {
	if c.doc == nil {
		return ""
	}
	return c.doc.ID
}

// Serve reads and handles conn's messages until it closes, then removes it
// from its session. It blocks.
func (r *Relay) Serve(ctx context.Context, conn *Conn) {
	c := &client{conn: conn}
	conn.ReadPump(func(frame []byte) {
		r.handle(ctx, c, frame)
	})
	if c.doc != nil {
		r.registry.Leave(c.doc.ID, conn)
		conn.logger.Debug("left session", "session_id", c.doc.ID)
	}
}

func (r *Relay) handle(ctx context.Context, c *client, frame []byte) {
	start := time.Now()

	msg, err := protocol.Validate(frame)
	if err != nil {
		c.conn.logger.Debug("dropping invalid message", "error", err, "size", len(frame))
		r.observe("", start, err)
		return
	}

	action := msg.Action()
	ctx, span := middleware.StartMessageSpan(ctx, r.tracer, action.String(), c.sessionID())
	err = r.dispatch(ctx, c, msg, frame)
	middleware.EndSpan(span, err)
	r.observe(action.String(), start, err)

	if err != nil && !rerrors.IsCategory(err, rerrors.CategoryAuth) {
		c.conn.logger.Warn("message failed", "action", action, "session_id", c.sessionID(), "error", err)
	}
}

func (r *Relay) observe(action string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.ObserveMessage(action, time.Since(start), err)
	}
}

func (r *Relay) dispatch(ctx context.Context, c *client, msg protocol.Message, frame []byte) error {
	switch m := msg.(type) {
	case protocol.Ping:
		c.conn.Send(protocol.Pong())
		return nil

	case protocol.SessionCreate:
		if c.doc != nil {
			return nil
		}
		return r.create(ctx, c, m)

	case protocol.SessionAuth:
		if c.doc != nil {
			return r.reauthenticate(c, m)
		}
		return r.authenticate(ctx, c, m)
	}

	if c.doc == nil {
		return ErrNotAuthenticated
	}

	action := msg.Action()
	if action == protocol.ActionSessionGet {
		return r.sendSnapshot(c)
	}
	if !action.Relayed() {
		return nil
	}

	if !action.Mutates() {
		// Keyboard events reach peers but never touch the document.
		c.doc.View(func(*session.State) {
			r.registry.Broadcast(c.doc.ID, c.conn, frame)
		})
		return nil
	}

	// Broadcast and apply under the document lock, so every member sees
	// edits in the order they were applied.
	c.doc.Update(func(s *session.State) {
		r.registry.Broadcast(c.doc.ID, c.conn, frame)
		s.Apply(msg)
	})
	return nil
}

func (r *Relay) create(ctx context.Context, c *client, m protocol.SessionCreate) error {
	doc, err := r.store.Create(ctx, m.Password, func(d *session.Document) {
		r.registry.Join(d.ID, c.conn)
	})
	if err != nil {
		return err
	}
	c.doc = doc
	c.conn.Send(protocol.SessionCreated(doc.ID))
	c.conn.logger.Info("session created", "session_id", doc.ID)
	return nil
}

func (r *Relay) authenticate(ctx context.Context, c *client, m protocol.SessionAuth) error {
	doc, err := r.store.Authenticate(ctx, m.ID, m.Password, func(d *session.Document) {
		r.registry.Join(d.ID, c.conn)
	})
	if err != nil {
		// Repository failures get the same reply; the client may retry.
		c.conn.Send(protocol.AuthenticationFailed())
		if errors.Is(err, session.ErrAuthFailed) {
			c.conn.logger.Debug("authentication failed", "session_id", m.ID)
		}
		return err
	}
	c.doc = doc
	c.conn.Send(protocol.SessionAuthenticated())
	c.conn.logger.Debug("joined session", "session_id", doc.ID)
	return nil
}

// reauthenticate answers session-auth on a connection that already belongs to
// a session. Membership is fixed, so an auth for any other session is
// ignored.
func (r *Relay) reauthenticate(c *client, m protocol.SessionAuth) error {
	if m.ID != c.doc.ID {
		return nil
	}
	if err := r.store.Verify(c.doc, m.Password); err != nil {
		c.conn.Send(protocol.AuthenticationFailed())
		return err
	}
	c.conn.Send(protocol.SessionAuthenticated())
	return nil
}

// sendSnapshot queues the import while holding the document lock, so no
// edit broadcast can be queued ahead of a snapshot that already contains it.
func (r *Relay) sendSnapshot(c *client) error {
	var err error
	c.doc.View(func(s *session.State) {
		var frame []byte
		frame, err = protocol.EncodeEditorImport(s.Instruments, s.Rolls)
		if err == nil {
			c.conn.Send(frame)
		}
	})
	return err
}
