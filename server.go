package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richardartoul/imgcache/cache"
	"github.com/richardartoul/imgcache/config"
	"github.com/richardartoul/imgcache/prefetch"
	"github.com/richardartoul/imgcache/telemetry"
	"github.com/richardartoul/imgcache/variant"
)

// Cmd represents a request command type.
type Cmd string

const (
	CmdGet         = Cmd("get")
	CmdPreload     = Cmd("preload")
	CmdPrefetch    = Cmd("prefetch")
	CmdContains    = Cmd("contains")
	CmdStats       = Cmd("stats")
	CmdClearMemory = Cmd("clear-memory")
	CmdClearDisk   = Cmd("clear-disk")
	CmdClear       = Cmd("clear")
	CmdClose       = Cmd("close")
)

var knownCommands = []Cmd{
	CmdGet, CmdPreload, CmdPrefetch, CmdContains, CmdStats,
	CmdClearMemory, CmdClearDisk, CmdClear, CmdClose,
}

var errMalformedRequest = errors.New("malformed request")

// Request is one line of input.
type Request struct {
	ID      int64
	Command Cmd
	URL     string `json:",omitempty"`
	// URLs are the visible images for prefetch and the batch for preload.
	URLs     []string `json:",omitempty"`
	Upcoming []string `json:",omitempty"`
	// Variant defaults to thumbnail.
	Variant string `json:",omitempty"`
	// Priority is "high" or "low" for a prefetch without Upcoming.
	Priority string `json:",omitempty"`
}

// Response is one line of output.
type Response struct {
	ID            int64  `json:",omitempty"`
	Err           string `json:",omitempty"`
	KnownCommands []Cmd  `json:",omitempty"`
	Miss          bool   `json:",omitempty"`
	// Body carries the image only when it has no disk path.
	Body     []byte         `json:",omitempty"`
	Size     int64          `json:",omitempty"`
	Key      string         `json:",omitempty"`
	DiskPath string         `json:",omitempty"`
	Stats    *StatsResponse `json:",omitempty"`
}

// StatsResponse is the payload of a stats command.
type StatsResponse struct {
	Cache    cache.Stats
	Prefetch prefetch.Stats
}

// Server implements the JSON-lines request protocol over a cache.
type Server struct {
	cache      *cache.Cache
	prefetcher *prefetch.Scheduler
	logger     *slog.Logger
	reader     *bufio.Reader
	writer     *bufio.Writer
	writerLock sync.Mutex
	getCount   atomic.Int64
	hitCount   atomic.Int64
}

// NewServer creates a server reading requests from r and writing responses to w.
func NewServer(c *cache.Cache, p *prefetch.Scheduler, r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	return &Server{
		cache:      c,
		prefetcher: p,
		logger:     logger,
		reader:     bufio.NewReader(r),
		writer:     bufio.NewWriter(w),
	}
}

// SendResponse writes one response line (thread-safe).
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	s.writerLock.Lock()
	defer s.writerLock.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return s.writer.Flush()
}

// SendInitialResponse announces the supported commands.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{KnownCommands: knownCommands})
}

// readLine reads a line, skipping empty lines. A final line without a
// trailing newline is still returned.
func (s *Server) readLine() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(line) == 0) {
			return nil, err
		}
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			return []byte(trimmed), nil
		}
		if err == io.EOF {
			return nil, io.EOF
		}
	}
}

// ReadRequest reads the next request.
func (s *Server) ReadRequest() (*Request, error) {
	line, err := s.readLine()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("%w: %v (line: %q)", errMalformedRequest, err, string(line))
	}
	return &req, nil
}

// HandleRequest processes a single request and sends a response.
func (s *Server) HandleRequest(ctx context.Context, req *Request) error {
	resp := Response{ID: req.ID}
	if err := s.handle(ctx, req, &resp); err != nil {
		resp.Err = err.Error()
	}
	return s.SendResponse(resp)
}

func (s *Server) handle(ctx context.Context, req *Request, resp *Response) error {
	switch req.Command {
	case CmdGet:
		v, err := parseVariant(req.Variant)
		if err != nil {
			return err
		}
		return s.handleGet(ctx, req.URL, v, resp)

	case CmdPreload:
		v, err := parseVariant(req.Variant)
		if err != nil {
			return err
		}
		if req.URL != "" {
			s.cache.Preload(req.URL, v)
		}
		s.cache.PreloadAll(req.URLs, v)
		return nil

	case CmdPrefetch:
		v, err := parseVariant(req.Variant)
		if err != nil {
			return err
		}
		if len(req.Upcoming) > 0 {
			s.prefetcher.ScheduleVisible(req.URLs, req.Upcoming, v)
			return nil
		}
		prio := prefetch.Low
		if strings.EqualFold(req.Priority, prefetch.High.String()) {
			prio = prefetch.High
		}
		s.prefetcher.Schedule(req.URLs, v, prio)
		return nil

	case CmdContains:
		v, err := parseVariant(req.Variant)
		if err != nil {
			return err
		}
		resp.Miss = !s.cache.Contains(req.URL, v)
		if key, err := s.cache.Key(req.URL, v); err == nil {
			resp.Key = key
		}
		return nil

	case CmdStats:
		resp.Stats = &StatsResponse{
			Cache:    s.cache.Stats(),
			Prefetch: s.prefetcher.Stats(),
		}
		return nil

	case CmdClearMemory:
		s.cache.ClearMemory()
		return nil

	case CmdClearDisk:
		return s.cache.ClearDisk(ctx)

	case CmdClear:
		s.prefetcher.Cancel()
		return s.cache.ClearAll(ctx)

	case CmdClose:
		// Will exit after sending response
		s.prefetcher.Cancel()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", req.Command)
	}
}

func (s *Server) handleGet(ctx context.Context, url string, v variant.Variant, resp *Response) error {
	s.getCount.Add(1)
	data, err := s.cache.Resolve(ctx, url, v)
	if err != nil {
		resp.Miss = true
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}

	s.hitCount.Add(1)
	resp.Size = int64(len(data))
	if key, err := s.cache.Key(url, v); err == nil {
		resp.Key = key
	}
	if path, ok := s.cache.DiskPath(url, v); ok {
		resp.DiskPath = path
	} else {
		resp.Body = data
	}
	return nil
}

// Run processes requests concurrently until EOF or a close command.
func (s *Server) Run(ctx context.Context) error {
	// Send initial response with capabilities
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	for {
		req, err := s.ReadRequest()
		if err == io.EOF {
			break
		}
		if errors.Is(err, errMalformedRequest) {
			s.logger.Warn("skipping malformed request", "error", err)
			if err := s.SendResponse(Response{Err: err.Error()}); err != nil {
				wg.Wait()
				return err
			}
			continue
		}
		if err != nil {
			// Wait for any in-flight requests to complete
			wg.Wait()
			return err
		}

		// Check if this is a close command
		if req.Command == CmdClose {
			// Wait for all pending requests to complete before handling close
			wg.Wait()
			if err := s.HandleRequest(ctx, req); err != nil {
				return fmt.Errorf("failed to handle close request: %w", err)
			}
			break
		}

		// Process request concurrently
		wg.Add(1)
		go func(r *Request) {
			defer wg.Done()
			if err := s.HandleRequest(ctx, r); err != nil {
				select {
				case errChan <- err:
				default:
				}
			}
		}(req)

		// Check for errors from goroutines
		select {
		case err := <-errChan:
			wg.Wait()
			return fmt.Errorf("failed to handle request: %w", err)
		default:
		}
	}

	wg.Wait()
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to handle request: %w", err)
	default:
	}
	return nil
}

func parseVariant(name string) (variant.Variant, error) {
	if name == "" {
		return variant.Thumbnail, nil
	}
	return variant.Parse(name)
}

// runServer wires the origin, cache, prefetcher and metrics endpoint and
// serves stdin until EOF or close.
func runServer(cfg config.Config, printStats bool) error {
	ctx := context.Background()
	logger := newLogger(cfg.Logging)

	backend, err := createBackend(ctx, cfg.Origin, logger)
	if err != nil {
		return fmt.Errorf("failed to create origin backend: %w", err)
	}
	defer backend.Close()

	var (
		sinks []telemetry.Sink
		reg   *prometheus.Registry
		prom  *telemetry.Prometheus
	)
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom, err = telemetry.NewPrometheus(reg)
		if err != nil {
			return err
		}
		sinks = append(sinks, prom)
	}

	c, err := openCache(cfg, backend, logger, sinks...)
	if err != nil {
		return err
	}
	defer c.Close()

	sched := prefetch.New(c,
		prefetch.WithConcurrency(cfg.Prefetch.Concurrency),
		prefetch.WithLogger(logger))
	defer sched.Close()

	if prom != nil {
		if err := registerCacheGauges(prom, c); err != nil {
			return err
		}
		shutdown := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer shutdown()
	}

	stopSignals := watchMemoryPressure(c, logger)
	defer stopSignals()

	srv := NewServer(c, sched, os.Stdin, os.Stdout, logger)
	runErr := srv.Run(ctx)

	if printStats {
		srv.printStatistics(os.Stderr)
	}
	return runErr
}

func registerCacheGauges(prom *telemetry.Prometheus, c *cache.Cache) error {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"disk_usage_bytes", "Bytes stored in the disk tier.", func() float64 { return float64(c.Stats().DiskUsageBytes) }},
		{"disk_usage_ratio", "Disk tier usage as a fraction of its budget.", func() float64 { return c.Stats().UsageRatio }},
		{"memory_usage_bytes", "Bytes stored in the memory tier.", func() float64 { return float64(c.Stats().MemoryBytes) }},
		{"memory_entries", "Entries in the memory tier.", func() float64 { return float64(c.Stats().MemoryCount) }},
	}
	for _, g := range gauges {
		if err := prom.WatchGauge(g.name, g.help, g.fn); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics exposes reg on addr/metrics and returns a shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}
}

func (s *Server) printStatistics(w io.Writer) {
	st := s.cache.Stats()
	ps := s.prefetcher.Stats()

	getCount := s.getCount.Load()
	hitCount := s.hitCount.Load()
	hitRate := 0.0
	if getCount > 0 {
		hitRate = float64(hitCount) / float64(getCount) * 100
	}

	fmt.Fprintf(w, "Cache statistics:\n")
	fmt.Fprintf(w, "  GET requests: %d (served: %d, failed: %d, success rate: %.1f%%)\n",
		getCount, hitCount, getCount-hitCount, hitRate)
	fmt.Fprintf(w, "  Lookups: memory hits: %d, disk hits: %d, misses: %d (hit rate: %.1f%%)\n",
		st.MemoryHits, st.DiskHits, st.Misses, st.HitRate*100)
	fmt.Fprintf(w, "  Origin fetches: %d (%s), optimizations: %d\n",
		st.Fetches, formatBytes(st.BytesFetched), st.Optimizations)
	fmt.Fprintf(w, "  Fetch latency: p50 %s, p99 %s\n", st.FetchP50, st.FetchP99)
	fmt.Fprintf(w, "  Errors: %d%s\n", st.Errors, formatErrorKinds(st.ErrorsByKind))
	fmt.Fprintf(w, "  Memory: %s / %s, %d entries, %d evictions\n",
		formatBytes(st.MemoryBytes), formatBytes(st.MaxMemoryBytes), st.MemoryCount, st.MemoryEvictions)
	fmt.Fprintf(w, "  Disk: %s / %s (%.1f%%), %d files, %d cleanups\n",
		formatBytes(st.DiskUsageBytes), formatBytes(st.MaxDiskBytes), st.UsageRatio*100, st.DiskFileCount, st.Evictions)
	fmt.Fprintf(w, "  Prefetch: scheduled: %d, completed: %d, skipped: %d, failed: %d, cancelled: %d\n",
		ps.Scheduled, ps.Completed, ps.Skipped, ps.Failed, ps.Cancelled)
}

func formatErrorKinds(byKind map[string]int64) string {
	if len(byKind) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s: %d", k, byKind[k]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// formatBytes formats a byte count with 1024-based units.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGT"[exp])
}
