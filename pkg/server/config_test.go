package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vango-dev/pianoroll/pkg/protocol"
)

func TestConfigDefaults(t *testing.T) {
	cfg := (*Config)(nil).withDefaults()

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 60*time.Second, cfg.Conn.PongWait)
	assert.Equal(t, 54*time.Second, cfg.Conn.PingPeriod)
	assert.Equal(t, int64(protocol.MaxMessageSize), cfg.Conn.MaxMessageSize)
	assert.Equal(t, 256, cfg.Conn.SendBuffer)
	assert.Nil(t, cfg.CheckOrigin)
}

func TestConfigWithDefaultsKeepsOverrides(t *testing.T) {
	cfg := &Config{
		Address: "127.0.0.1:9000",
		Conn: ConnConfig{
			PongWait:   10 * time.Second,
			PingPeriod: 20 * time.Second,
			SendBuffer: 8,
		},
	}

	out := cfg.withDefaults()

	assert.Equal(t, "127.0.0.1:9000", out.Address)
	assert.Equal(t, 10*time.Second, out.Conn.PongWait)
	assert.Equal(t, 9*time.Second, out.Conn.PingPeriod, "ping period must stay below pong wait")
	assert.Equal(t, 8, out.Conn.SendBuffer)
	assert.Equal(t, 10*time.Second, out.Conn.WriteWait)
	assert.Zero(t, cfg.Conn.WriteWait, "input is not modified")
	assert.Zero(t, cfg.ReadBufferSize)
}

func TestConfigClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Address = ":1"

	assert.Equal(t, ":8080", cfg.Address)
	assert.Nil(t, (*Config)(nil).Clone())
}

func originRequest(host, origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://"+host+"/ws", nil)
	r.Host = host
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestSameOriginCheck(t *testing.T) {
	assert.True(t, SameOriginCheck(originRequest("relay.test", "")))
	assert.True(t, SameOriginCheck(originRequest("relay.test", "https://relay.test")))
	assert.False(t, SameOriginCheck(originRequest("relay.test", "https://evil.test")))
	assert.False(t, SameOriginCheck(originRequest("relay.test", "://bad")))
}

func TestAllowOrigins(t *testing.T) {
	check := AllowOrigins([]string{"https://Editor.test/"})
	assert.True(t, check(originRequest("relay.test", "https://editor.test")))
	assert.True(t, check(originRequest("relay.test", "")))
	assert.False(t, check(originRequest("relay.test", "https://relay.test")))

	all := AllowOrigins([]string{"https://a.test", "*"})
	assert.True(t, all(originRequest("relay.test", "https://whatever.test")))

	same := AllowOrigins(nil)
	assert.True(t, same(originRequest("relay.test", "https://relay.test")))
	assert.False(t, same(originRequest("relay.test", "https://editor.test")))
}
