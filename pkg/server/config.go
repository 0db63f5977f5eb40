package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-dev/pianoroll/pkg/protocol"
	"github.com/vango-dev/pianoroll/pkg/session"
)

// ConnConfig holds configuration for individual WebSocket connections.
type ConnConfig struct {
	// WriteWait is the time allowed to write a message to the peer.
	// Default: 10 seconds.
	WriteWait time.Duration

	// PongWait is the time allowed to read the next message or pong from
	// the peer. Default: 60 seconds.
	PongWait time.Duration

	// PingPeriod is the interval between pings. Must be less than PongWait.
	// Default: 9/10 of PongWait.
	PingPeriod time.Duration

	// MaxMessageSize is the maximum size of an incoming message.
	// Default: protocol.MaxMessageSize.
	MaxMessageSize int64

	// SendBuffer is the number of outbound frames queued per connection
	// before it is closed as a slow consumer.
	// Default: 256.
	SendBuffer int
}

// DefaultConnConfig returns a ConnConfig with sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: protocol.MaxMessageSize,
		SendBuffer:     256,
	}
}

func (c ConnConfig) withDefaults() ConnConfig {
	d := DefaultConnConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

// Config holds configuration for the HTTP/WebSocket server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: nil, which accepts every origin. Editors are usually served
	// from a different host than the relay.
	CheckOrigin func(r *http.Request) bool

	// TrustedProxies lists proxy IPs or CIDRs whose Forwarded and
	// X-Forwarded-For headers are believed when resolving client addresses.
	TrustedProxies []string

	// MaxConnectionsPerIP caps concurrent WebSocket connections from one
	// client address. Zero means unlimited.
	MaxConnectionsPerIP int

	// Conn configures each WebSocket connection.
	Conn ConnConfig

	// Manager configures the flush and reap loops.
	Manager session.ManagerConfig

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		Conn:              DefaultConnConfig(),
		Manager:           session.DefaultManagerConfig(),
		ShutdownTimeout:   30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	d := *out
	*out = *c
	if out.Address == "" {
		out.Address = d.Address
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = d.WriteBufferSize
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	if out.ReadHeaderTimeout <= 0 {
		out.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	out.Conn = out.Conn.withDefaults()
	return out
}

// SameOriginCheck accepts requests without an Origin header and requests
// whose Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return r.Host != "" && originURL.Host == r.Host
}

// AllowOrigins returns a CheckOrigin function accepting the listed origins
// (scheme://host[:port]). "*" accepts everything; an empty list falls back
// to SameOriginCheck.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return SameOriginCheck
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimSuffix(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowed[strings.ToLower(origin)]
	}
}
