// Command pianoroll-bench drives a relay with concurrent editing sessions and
// reports fan-out latency, throughput and runtime costs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"runtime/metrics"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/pianoroll/pkg/auth"
	"github.com/vango-dev/pianoroll/pkg/protocol"
	"github.com/vango-dev/pianoroll/pkg/server"
	"github.com/vango-dev/pianoroll/pkg/session"
)

const benchPassword = "bench"

type profile struct {
	Name     string
	Sessions int
	Members  int
	Duration time.Duration
	RPS      float64
}

var profiles = map[string]profile{
	"fast":     {Name: "fast", Sessions: 10, Members: 4, Duration: 10 * time.Second, RPS: 2},
	"standard": {Name: "standard", Sessions: 50, Members: 4, Duration: 30 * time.Second, RPS: 5},
	"stress":   {Name: "stress", Sessions: 200, Members: 8, Duration: 60 * time.Second, RPS: 10},
}

type benchConfig struct {
	Profile    string
	Sessions   int
	Members    int
	Duration   time.Duration
	RPS        float64
	Target     string
	JSONOutput string
}

type benchCounters struct {
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

type benchErrors struct {
	handshakeFailures atomic.Uint64
	authFailures      atomic.Uint64
	writeFailures     atomic.Uint64
	decodeFailures    atomic.Uint64
	unknownNotes      atomic.Uint64
}

// sentTimes maps note ids to the moment they were sent.
type sentTimes struct {
	m sync.Map
}

func (s *sentTimes) mark(id string) {
	s.m.Store(id, time.Now())
}

func (s *sentTimes) since(id string) (time.Duration, bool) {
	v, ok := s.m.Load(id)
	if !ok {
		return 0, false
	}
	return time.Since(v.(time.Time)), true
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig()
	if err != nil {
		log.Fatal(err)
	}

	wsURL := cfg.Target
	if wsURL == "" {
		url, stop, err := startRelay()
		if err != nil {
			log.Fatalf("start relay: %v", err)
		}
		defer stop()
		wsURL = url
	}

	var (
		counters benchCounters
		errs     benchErrors
		sent     sentTimes
	)

	members, err := connectSessions(wsURL, cfg, &errs)
	if err != nil {
		log.Fatal(err)
	}

	samplesCh := make(chan time.Duration, 4096)
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samples = append(samples, rtt)
		}
	}()

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for _, ws := range members {
		wg.Add(2)
		go func() {
			defer wg.Done()
			readLoop(ws, &sent, &counters, &errs, samplesCh)
		}()
		go func() {
			defer wg.Done()
			writeLoop(ctx, ws, cfg.RPS, &sent, &counters, &errs)
		}()
	}

	<-ctx.Done()
	// Give in-flight frames a moment, then unblock the readers.
	time.Sleep(200 * time.Millisecond)
	for _, ws := range members {
		_ = ws.Close()
	}
	wg.Wait()
	close(samplesCh)
	<-collectorDone
	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	report := buildReport(cfg, elapsed, samples, &counters, &errs, before, after, beforeMetrics, afterMetrics)

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

func parseConfig() (benchConfig, error) {
	profileFlag := flag.String("profile", "standard", "profile: fast|standard|stress")
	sessionsFlag := flag.Int("sessions", -1, "number of concurrent sessions")
	membersFlag := flag.Int("members", -1, "connections per session")
	durationFlag := flag.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := flag.Float64("rps", -1, "target edits/sec per connection")
	targetFlag := flag.String("target", "", "relay WebSocket URL (default: in-process relay)")
	jsonFlag := flag.String("json", "-", "JSON output path ('-' for stdout)")
	flag.Parse()

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:    base.Name,
		Sessions:   base.Sessions,
		Members:    base.Members,
		Duration:   base.Duration,
		RPS:        base.RPS,
		Target:     strings.TrimSpace(*targetFlag),
		JSONOutput: strings.TrimSpace(*jsonFlag),
	}

	if *sessionsFlag != -1 {
		cfg.Sessions = *sessionsFlag
	}
	if *membersFlag != -1 {
		cfg.Members = *membersFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if cfg.Sessions <= 0 {
		return benchConfig{}, errors.New("-sessions must be > 0")
	}
	if cfg.Members < 2 {
		return benchConfig{}, errors.New("-members must be >= 2")
	}
	if cfg.Duration <= 0 {
		return benchConfig{}, errors.New("-duration must be > 0")
	}
	if cfg.RPS <= 0 {
		return benchConfig{}, errors.New("-rps must be > 0")
	}
	return cfg, nil
}

// startRelay runs an in-process relay on a loopback port backed by memory.
func startRelay() (string, func(), error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hasher := auth.NewScryptHasher(auth.ScryptParams{N: 1 << 10, R: 8, P: 1})
	store := session.NewStore(session.NewMemoryRepository(), hasher, session.WithLogger(logger))

	cfg := server.DefaultConfig()
	cfg.Conn.SendBuffer = 4096
	srv := server.New(cfg, store, server.WithLogger(logger))

	httpServer := &http.Server{Handler: srv.Handler()}
	go func() {
		_ = httpServer.Serve(ln)
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
	}
	return "ws://" + ln.Addr().String() + "/ws", stop, nil
}

// connectSessions opens every session: the first member creates it, the
// rest authenticate into it.
func connectSessions(wsURL string, cfg benchConfig, errs *benchErrors) ([]*websocket.Conn, error) {
	var conns []*websocket.Conn
	for s := 0; s < cfg.Sessions; s++ {
		creator, err := dial(wsURL, errs)
		if err != nil {
			return nil, err
		}
		id, err := createSession(creator)
		if err != nil {
			errs.authFailures.Add(1)
			return nil, fmt.Errorf("session %d: %w", s, err)
		}
		conns = append(conns, creator)

		for m := 1; m < cfg.Members; m++ {
			ws, err := dial(wsURL, errs)
			if err != nil {
				return nil, err
			}
			if err := joinSession(ws, id); err != nil {
				errs.authFailures.Add(1)
				return nil, fmt.Errorf("session %d member %d: %w", s, m, err)
			}
			conns = append(conns, ws)
		}
	}
	return conns, nil
}

func dial(wsURL string, errs *benchErrors) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		errs.handshakeFailures.Add(1)
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return ws, nil
}

func roundTrip(ws *websocket.Conn, frame string) ([]byte, error) {
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer ws.SetReadDeadline(time.Time{})
	_, data, err := ws.ReadMessage()
	return data, err
}

func createSession(ws *websocket.Conn) (string, error) {
	data, err := roundTrip(ws, `{"action":"session-create","password":"`+benchPassword+`"}`)
	if err != nil {
		return "", err
	}
	node, err := sonic.Get(data, "session-id")
	if err != nil {
		return "", fmt.Errorf("unexpected reply %s", data)
	}
	return node.String()
}

func joinSession(ws *websocket.Conn, id string) error {
	data, err := roundTrip(ws, `{"action":"session-auth","id":"`+id+`","password":"`+benchPassword+`"}`)
	if err != nil {
		return err
	}
	action, err := sonic.Get(data, "action")
	if err != nil {
		return fmt.Errorf("unexpected reply %s", data)
	}
	if s, _ := action.String(); s != protocol.ReplySessionAuthenticated {
		return fmt.Errorf("unexpected reply %s", data)
	}
	return nil
}

func noteFrame(roll, id string) []byte {
	return fmt.Appendf(nil, `{"action":"note-create","roll":"%s","note":{"uuid":"%s","x":%d,"y":%d,"length":%d}}`,
		roll, id,
		rand.IntN(protocol.NoteMaxX+1),
		rand.IntN(protocol.NoteMaxY+1),
		1+rand.IntN(8))
}

func writeLoop(ctx context.Context, ws *websocket.Conn, rps float64, sent *sentTimes, counters *benchCounters, errs *benchErrors) {
	roll := uuid.NewString()
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := uuid.NewString()
			frame := noteFrame(roll, id)
			sent.mark(id)
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				errs.writeFailures.Add(1)
				return
			}
			counters.framesSent.Add(1)
			counters.bytesSent.Add(uint64(len(frame)))
		}
	}
}

func readLoop(ws *websocket.Conn, sent *sentTimes, counters *benchCounters, errs *benchErrors, samples chan<- time.Duration) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		counters.framesReceived.Add(1)
		counters.bytesReceived.Add(uint64(len(data)))

		node, err := sonic.Get(data, "note", "uuid")
		if err != nil {
			errs.decodeFailures.Add(1)
			continue
		}
		id, err := node.String()
		if err != nil {
			errs.decodeFailures.Add(1)
			continue
		}
		rtt, ok := sent.since(id)
		if !ok {
			errs.unknownNotes.Add(1)
			continue
		}
		samples <- rtt
	}
}

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds float64
	cpuGCSeconds    float64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		if s.Value.Kind() != metrics.KindFloat64 {
			continue
		}
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	return math.Max(0, after.cpuGCSeconds-before.cpuGCSeconds) / total
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string         `json:"version"`
	Run        runInfo        `json:"run"`
	Workload   workloadInfo   `json:"workload"`
	LatencyMS  latencyInfo    `json:"latency_ms"`
	Throughput throughputInfo `json:"throughput"`
	GC         gcInfo         `json:"gc"`
	Errors     errorInfo      `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	GitCommit string `json:"git_commit,omitempty"`
	Target    string `json:"target"`
}

type workloadInfo struct {
	Profile      string  `json:"profile"`
	Sessions     int     `json:"sessions"`
	Members      int     `json:"members_per_session"`
	DurationMS   int64   `json:"duration_ms"`
	RPSPerMember float64 `json:"rps_per_member"`
}

type latencyInfo struct {
	Samples int     `json:"samples"`
	Min     float64 `json:"min"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Max     float64 `json:"max"`
}

type throughputInfo struct {
	EditsSent         uint64  `json:"edits_sent"`
	FramesReceived    uint64  `json:"frames_received"`
	EditsPerSec       float64 `json:"edits_per_sec"`
	DeliveriesPerSec  float64 `json:"deliveries_per_sec"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesReceived     uint64  `json:"bytes_received"`
	DeliveryRatio     float64 `json:"delivery_ratio"`
	ExpectedFanOutPer int     `json:"expected_fan_out"`
}

type gcInfo struct {
	AllocMB       float64 `json:"alloc_mb"`
	HeapLiveMB    float64 `json:"heap_live_mb"`
	NumGC         uint32  `json:"num_gc"`
	PauseTotalMS  float64 `json:"pause_total_ms"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
}

type errorInfo struct {
	HandshakeFailures uint64 `json:"handshake_failures"`
	AuthFailures      uint64 `json:"auth_failures"`
	WriteFailures     uint64 `json:"write_failures"`
	DecodeFailures    uint64 `json:"decode_failures"`
	UnknownNotes      uint64 `json:"unknown_notes"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errs *benchErrors,
	before runtime.MemStats,
	after runtime.MemStats,
	beforeMetrics runtimeMetricsSnapshot,
	afterMetrics runtimeMetricsSnapshot,
) benchReport {
	sent := counters.framesSent.Load()
	received := counters.framesReceived.Load()
	elapsedSeconds := math.Max(0.001, elapsed.Seconds())
	fanOut := cfg.Members - 1

	latency := latencyInfo{Samples: len(latencies)}
	if len(latencies) > 0 {
		latency.Min = ms(latencies[0])
		latency.P50 = ms(percentile(latencies, 0.50))
		latency.P95 = ms(percentile(latencies, 0.95))
		latency.P99 = ms(percentile(latencies, 0.99))
		latency.Max = ms(latencies[len(latencies)-1])
	}

	ratio := 0.0
	if sent > 0 {
		ratio = float64(received) / float64(sent*uint64(fanOut))
	}

	target := cfg.Target
	if target == "" {
		target = "in-process"
	}

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			GitCommit: gitCommit(),
			Target:    target,
		},
		Workload: workloadInfo{
			Profile:      cfg.Profile,
			Sessions:     cfg.Sessions,
			Members:      cfg.Members,
			DurationMS:   cfg.Duration.Milliseconds(),
			RPSPerMember: cfg.RPS,
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			EditsSent:         sent,
			FramesReceived:    received,
			EditsPerSec:       float64(sent) / elapsedSeconds,
			DeliveriesPerSec:  float64(received) / elapsedSeconds,
			BytesSent:         counters.bytesSent.Load(),
			BytesReceived:     counters.bytesReceived.Load(),
			DeliveryRatio:     ratio,
			ExpectedFanOutPer: fanOut,
		},
		GC: gcInfo{
			AllocMB:       float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:    float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:         after.NumGC - before.NumGC,
			PauseTotalMS:  ms(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
			GCCPUFraction: cpuFraction(afterMetrics, beforeMetrics),
		},
		Errors: errorInfo{
			HandshakeFailures: errs.handshakeFailures.Load(),
			AuthFailures:      errs.authFailures.Load(),
			WriteFailures:     errs.writeFailures.Load(),
			DecodeFailures:    errs.decodeFailures.Load(),
			UnknownNotes:      errs.unknownNotes.Load(),
		},
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== Pianoroll Relay Benchmark ===")
	fmt.Fprintf(w, "Profile: %s (%s)\n", report.Workload.Profile, report.Run.Target)
	fmt.Fprintf(w, "Sessions: %d x %d members\n", report.Workload.Sessions, report.Workload.Members)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-member rate: %.2f edits/s\n", report.Workload.RPSPerMember)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Edits sent: %d (%.1f/s)\n", report.Throughput.EditsSent, report.Throughput.EditsPerSec)
	fmt.Fprintf(w, "Deliveries: %d (%.1f/s, %.1f%% of expected)\n",
		report.Throughput.FramesReceived, report.Throughput.DeliveriesPerSec, report.Throughput.DeliveryRatio*100)
	fmt.Fprintln(w)

	if report.LatencyMS.Samples == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
	} else {
		fmt.Fprintln(w, "Fan-out latency (sender write -> peer receive):")
		fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
		fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
		fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
		fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
		fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Go runtime / GC (process-wide):")
	fmt.Fprintf(w, "  alloc:     %.2f MB\n", report.GC.AllocMB)
	fmt.Fprintf(w, "  heap_live: %.2f MB\n", report.GC.HeapLiveMB)
	fmt.Fprintf(w, "  num_gc:    %d\n", report.GC.NumGC)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (total)\n", report.GC.PauseTotalMS)
	fmt.Fprintf(w, "  gc_cpu:    %.2f%%\n", report.GC.GCCPUFraction*100)
}

func writeJSON(path string, report benchReport) error {
	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func gitCommit() string {
	if val := strings.TrimSpace(os.Getenv("GIT_COMMIT")); val != "" {
		return val
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
