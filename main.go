package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/richardartoul/imgcache/backends"
	"github.com/richardartoul/imgcache/cache"
	"github.com/richardartoul/imgcache/config"
	"github.com/richardartoul/imgcache/dedupe"
	"github.com/richardartoul/imgcache/diskcache"
	"github.com/richardartoul/imgcache/optimize"
	"github.com/richardartoul/imgcache/telemetry"
	"github.com/richardartoul/imgcache/variant"
)

func main() {
	// Check if we have a subcommand
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		subcommand := os.Args[1]

		switch subcommand {
		case "serve":
			runServeCommand(os.Args[2:])
			return
		case "get":
			runGetCommand(os.Args[2:])
			return
		case "clear":
			runClearCommand(os.Args[2:])
			return
		case "stats":
			runStatsCommand(os.Args[2:])
			return
		case "help", "-h", "--help":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", subcommand)
			printHelp()
			os.Exit(1)
		}
	}

	// No subcommand or starts with -, run the server
	runServeCommand(os.Args[1:])
}

func printHelp() {
	fmt.Fprintf(os.Stderr, "Usage: %s [command] [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "An adaptive image cache with a memory tier, a disk tier and an optimization pipeline.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve         Serve JSON-lines requests on stdin/stdout (default)\n")
	fmt.Fprintf(os.Stderr, "  get           Fetch one image variant through the cache\n")
	fmt.Fprintf(os.Stderr, "  clear         Clear all entries from the disk cache\n")
	fmt.Fprintf(os.Stderr, "  stats         Print disk cache usage\n")
	fmt.Fprintf(os.Stderr, "  help          Show this help message\n\n")
	fmt.Fprintf(os.Stderr, "Configuration:\n")
	fmt.Fprintf(os.Stderr, "  Settings come from built-in defaults, then a TOML file (-config or IMGCACHE_CONFIG),\n")
	fmt.Fprintf(os.Stderr, "  then environment variables, then command-line flags. Later sources win.\n\n")
	fmt.Fprintf(os.Stderr, "Run '%s [command] -h' for more information about a command.\n", os.Args[0])
}

// setting applies one flag to the loaded configuration. The flag's default is
// its environment variable, so applying it covers both sources.
type setting struct {
	flag  string
	env   string
	apply func(*config.Config)
}

// cliFlags binds the flags every subcommand shares.
type cliFlags struct {
	fs         *flag.FlagSet
	configPath string
	settings   []setting
}

func newCLIFlags(name string) *cliFlags {
	f := &cliFlags{fs: flag.NewFlagSet(name, flag.ExitOnError)}
	def := config.Default()

	f.fs.StringVar(&f.configPath, "config", getEnv("IMGCACHE_CONFIG", ""), "Path to a TOML config file (env: IMGCACHE_CONFIG)")

	f.boolVar("debug", "DEBUG", def.Logging.Debug, "Enable debug logging to stderr",
		func(c *config.Config, v bool) { c.Logging.Debug = v })
	f.stringVar("log-format", "LOG_FORMAT", def.Logging.Format, "Log format: auto, text, json",
		func(c *config.Config, v string) { c.Logging.Format = v })
	f.stringVar("cache-dir", "CACHE_DIR", def.Cache.Dir, "Disk cache directory",
		func(c *config.Config, v string) { c.Cache.Dir = v })
	f.int64Var("max-memory-bytes", "MAX_MEMORY_BYTES", def.Cache.MaxMemoryBytes, "Memory tier byte budget",
		func(c *config.Config, v int64) { c.Cache.MaxMemoryBytes = v })
	f.intVar("max-memory-count", "MAX_MEMORY_COUNT", def.Cache.MaxMemoryCount, "Memory tier entry budget (0 = unbounded)",
		func(c *config.Config, v int) { c.Cache.MaxMemoryCount = v })
	f.int64Var("max-disk-bytes", "MAX_DISK_BYTES", def.Cache.MaxDiskBytes, "Disk tier byte budget",
		func(c *config.Config, v int64) { c.Cache.MaxDiskBytes = v })
	f.floatVar("cleanup-target-ratio", "CLEANUP_TARGET_RATIO", def.Cache.CleanupTargetRatio, "Fraction of the disk budget cleanup shrinks to",
		func(c *config.Config, v float64) { c.Cache.CleanupTargetRatio = v })
	f.stringVar("preserve-original", "PRESERVE_ORIGINAL", strings.Join(def.Cache.PreserveOriginal, ","), "Comma-separated variants stored in their original format",
		func(c *config.Config, v string) { c.Cache.PreserveOriginal = splitList(v) })
	f.stringVar("dedupe", "DEDUPE_TYPE", def.Cache.Dedupe, "Deduplication type: memory, singleflight, fslock, noop",
		func(c *config.Config, v string) { c.Cache.Dedupe = strings.ToLower(v) })
	f.stringVar("dedupe-lock-dir", "DEDUPE_LOCK_DIR", def.Cache.LockDir, "Lock directory for fslock dedupe",
		func(c *config.Config, v string) { c.Cache.LockDir = v })
	f.boolVar("webp", "WEBP_ENCODER", def.Cache.EfficientCodec, "Encode variants as WebP instead of JPEG",
		func(c *config.Config, v bool) { c.Cache.EfficientCodec = v })
	f.floatVar("background-fetch-rate", "BACKGROUND_FETCH_RATE", def.Cache.BackgroundFetchRate, "Background fetches per second (0 = unpaced)",
		func(c *config.Config, v float64) { c.Cache.BackgroundFetchRate = v })
	f.intVar("http-timeout", "HTTP_TIMEOUT_SECONDS", def.Origin.HTTPTimeoutSeconds, "HTTP origin timeout in seconds",
		func(c *config.Config, v int) { c.Origin.HTTPTimeoutSeconds = v })
	f.stringVar("file-root", "FILE_ROOT", def.Origin.FileRoot, "Restrict file:// origins to this directory",
		func(c *config.Config, v string) { c.Origin.FileRoot = v })
	f.boolVar("s3", "S3_ORIGIN", def.Origin.S3, "Enable s3:// origins (AWS default credential chain)",
		func(c *config.Config, v bool) { c.Origin.S3 = v })
	f.boolVar("gcs", "GCS_ORIGIN", def.Origin.GCS, "Enable gs:// origins (application default credentials)",
		func(c *config.Config, v bool) { c.Origin.GCS = v })
	f.floatVar("error-rate", "ERROR_RATE", def.Origin.ErrorRate, "Error injection rate (0.0-1.0) for testing error handling",
		func(c *config.Config, v float64) { c.Origin.ErrorRate = v })
	f.stringVar("error-faults", "ERROR_FAULTS", strings.Join(def.Origin.ErrorFaults, ","), "Comma-separated injected faults: transport, not_found, corrupt",
		func(c *config.Config, v string) { c.Origin.ErrorFaults = splitList(v) })

	return f
}

func (f *cliFlags) stringVar(name, env, def, usage string, apply func(*config.Config, string)) {
	p := f.fs.String(name, getEnv(env, def), fmt.Sprintf("%s (env: %s)", usage, env))
	f.settings = append(f.settings, setting{flag: name, env: env, apply: func(c *config.Config) { apply(c, *p) }})
}

func (f *cliFlags) boolVar(name, env string, def bool, usage string, apply func(*config.Config, bool)) {
	p := f.fs.Bool(name, getEnvBool(env, def), fmt.Sprintf("%s (env: %s)", usage, env))
	f.settings = append(f.settings, setting{flag: name, env: env, apply: func(c *config.Config) { apply(c, *p) }})
}

func (f *cliFlags) floatVar(name, env string, def float64, usage string, apply func(*config.Config, float64)) {
	p := f.fs.Float64(name, getEnvFloat(env, def), fmt.Sprintf("%s (env: %s)", usage, env))
	f.settings = append(f.settings, setting{flag: name, env: env, apply: func(c *config.Config) { apply(c, *p) }})
}

func (f *cliFlags) int64Var(name, env string, def int64, usage string, apply func(*config.Config, int64)) {
	p := f.fs.Int64(name, getEnvInt64(env, def), fmt.Sprintf("%s (env: %s)", usage, env))
	f.settings = append(f.settings, setting{flag: name, env: env, apply: func(c *config.Config) { apply(c, *p) }})
}

func (f *cliFlags) intVar(name, env string, def int, usage string, apply func(*config.Config, int)) {
	p := f.fs.Int(name, getEnvInt(env, def), fmt.Sprintf("%s (env: %s)", usage, env))
	f.settings = append(f.settings, setting{flag: name, env: env, apply: func(c *config.Config) { apply(c, *p) }})
}

// resolve loads the config file and layers environment variables and
// explicitly set flags over it.
func (f *cliFlags) resolve() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	visited := make(map[string]bool)
	f.fs.Visit(func(fl *flag.Flag) { visited[fl.Name] = true })
	for _, s := range f.settings {
		if visited[s.flag] || os.Getenv(s.env) != "" {
			s.apply(&cfg)
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (f *cliFlags) printEnvHelp() {
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  %-22s Path to a TOML config file\n", "IMGCACHE_CONFIG")
	for _, s := range f.settings {
		fmt.Fprintf(os.Stderr, "  %-22s Same as -%s\n", s.env, s.flag)
	}
	fmt.Fprintf(os.Stderr, "\nNote: Command-line flags take precedence over environment variables,\n")
	fmt.Fprintf(os.Stderr, "which take precedence over the config file.\n")
}

func runServeCommand(args []string) {
	f := newCLIFlags("serve")
	printStats := f.fs.Bool("stats", getEnvBool("PRINT_STATS", true), "Print cache statistics on exit (env: PRINT_STATS)")
	metricsAddr := f.fs.String("metrics-addr", getEnv("METRICS_ADDR", ""), "Serve Prometheus metrics on this address (env: METRICS_ADDR)")
	prefetchConcurrency := f.fs.Int("prefetch-concurrency", getEnvInt("PREFETCH_CONCURRENCY", 0), "Ceiling on running prefetch tasks (env: PREFETCH_CONCURRENCY)")

	f.fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s serve [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serve JSON-lines cache requests on stdin, one response per line on stdout.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables):\n")
		f.fs.PrintDefaults()
		f.printEnvHelp()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Serve with a custom cache directory:\n")
		fmt.Fprintf(os.Stderr, "  %s serve -cache-dir=/var/cache/images\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Serve with S3 origins and Prometheus metrics:\n")
		fmt.Fprintf(os.Stderr, "  %s serve -s3 -metrics-addr=:9090\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Mix environment variables and flags (flags override env):\n")
		fmt.Fprintf(os.Stderr, "  CACHE_DIR=/tmp/images %s serve -debug\n", os.Args[0])
	}

	f.fs.Parse(args)
	cfg, err := f.resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *prefetchConcurrency > 0 {
		cfg.Prefetch.Concurrency = *prefetchConcurrency
	}

	if err := runServer(cfg, *printStats); err != nil {
		fmt.Fprintf(os.Stderr, "Error running server: %v\n", err)
		os.Exit(1)
	}
}

func runGetCommand(args []string) {
	f := newCLIFlags("get")
	url := f.fs.String("url", "", "Image URL to fetch (required)")
	variantName := f.fs.String("variant", variant.Thumbnail.String(), "Variant: thumbnail, medium, full")
	output := f.fs.String("o", "", "Write the image to this file instead of printing its disk path")

	f.fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s get -url=URL [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Fetch one image variant through the cache.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables):\n")
		f.fs.PrintDefaults()
		f.printEnvHelp()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s get -url=https://example.com/a.jpg -variant=medium -o=a-medium.img\n", os.Args[0])
	}

	f.fs.Parse(args)
	if *url == "" {
		fmt.Fprintf(os.Stderr, "Error: -url is required\n\n")
		f.fs.Usage()
		os.Exit(1)
	}
	v, err := variant.Parse(*variantName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := f.resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := runGet(cfg, *url, v, *output); err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching image: %v\n", err)
		os.Exit(1)
	}
}

func runGet(cfg config.Config, url string, v variant.Variant, output string) error {
	logger := newLogger(cfg.Logging)
	backend, err := createBackend(context.Background(), cfg.Origin, logger)
	if err != nil {
		return fmt.Errorf("failed to create origin backend: %w", err)
	}
	defer backend.Close()

	c, err := openCache(cfg, backend, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := c.Resolve(context.Background(), url, v)
	if err != nil {
		return err
	}

	if output != "" {
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Wrote %s to %s\n", formatBytes(int64(len(data))), output)
		return nil
	}
	if path, ok := c.DiskPath(url, v); ok {
		fmt.Fprintf(os.Stdout, "%s\n", path)
		return nil
	}
	fmt.Fprintf(os.Stdout, "Fetched %s (not persisted to disk)\n", formatBytes(int64(len(data))))
	return nil
}

func runClearCommand(args []string) {
	f := newCLIFlags("clear")

	f.fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s clear [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Clear all entries from the disk cache.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables):\n")
		f.fs.PrintDefaults()
		f.printEnvHelp()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Clear the disk cache using flags:\n")
		fmt.Fprintf(os.Stderr, "  %s clear -cache-dir=/var/cache/images\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Clear using environment variables:\n")
		fmt.Fprintf(os.Stderr, "  CACHE_DIR=/var/cache/images %s clear\n", os.Args[0])
	}

	f.fs.Parse(args)
	cfg, err := f.resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	store, err := openDisk(cfg, newLogger(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening disk cache: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.ClearAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing disk cache: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "Cache cleared successfully\n")
}

func runStatsCommand(args []string) {
	f := newCLIFlags("stats")

	f.fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s stats [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Print disk cache usage after reconciling it with the files on disk.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables):\n")
		f.fs.PrintDefaults()
		f.printEnvHelp()
	}

	f.fs.Parse(args)
	cfg, err := f.resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	store, err := openDisk(cfg, newLogger(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening disk cache: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ratio := 0.0
	if store.MaxBytes() > 0 {
		ratio = float64(store.Size()) / float64(store.MaxBytes()) * 100
	}
	fmt.Fprintf(os.Stdout, "Directory:  %s\n", cfg.Cache.Dir)
	fmt.Fprintf(os.Stdout, "Files:      %d\n", store.Count())
	fmt.Fprintf(os.Stdout, "Usage:      %s / %s (%.1f%%)\n", formatBytes(store.Size()), formatBytes(store.MaxBytes()), ratio)
}

// newLogger writes to stderr: text on a terminal, JSON otherwise.
func newLogger(cfg config.Logging) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Format
	if format == "auto" || format == "" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openDisk(cfg config.Config, logger *slog.Logger) (*diskcache.Store, error) {
	return diskcache.Open(diskcache.Config{
		Root:               cfg.Cache.Dir,
		MaxBytes:           cfg.Cache.MaxDiskBytes,
		CleanupTargetRatio: cfg.Cache.CleanupTargetRatio,
		MaxConcurrentIO:    cfg.Cache.MaxConcurrentIO,
	}, logger)
}

// openCache opens the cache with a logging sink plus any extra sinks.
func openCache(cfg config.Config, backend backends.Backend, logger *slog.Logger, sinks ...telemetry.Sink) (*cache.Cache, error) {
	cacheCfg, err := cfg.CacheConfig()
	if err != nil {
		return nil, err
	}
	group, err := createDedupeGroup(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe group: %w", err)
	}

	encoders := optimize.NewEncoders()
	if cfg.Cache.EfficientCodec {
		encoders.Register(variant.CodecEfficient, optimize.WebPEncoder())
	}

	sinks = append([]telemetry.Sink{telemetry.NewLogger(logger)}, sinks...)
	c, err := cache.New(cacheCfg, backend,
		cache.WithLogger(logger),
		cache.WithEncoders(encoders),
		cache.WithGroup(group),
		cache.WithTelemetry(telemetry.Multi(sinks...)))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return c, nil
}

func createBackend(ctx context.Context, cfg config.Origin, logger *slog.Logger) (backends.Backend, error) {
	mux := backends.NewMux()

	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	httpOpts := []backends.HTTPOption{
		backends.WithMaxBytes(cfg.MaxSourceBytes),
		backends.WithUserAgent(cfg.UserAgent),
	}
	if timeout > 0 {
		httpOpts = append(httpOpts, backends.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	mux.Register(backends.NewHTTP(httpOpts...), "http", "https")

	if cfg.File {
		file, err := backends.NewFile(cfg.FileRoot)
		if err != nil {
			return nil, err
		}
		mux.Register(file, "file")
	}

	if cfg.S3 {
		s3, err := backends.NewS3(ctx)
		if err != nil {
			mux.Close()
			return nil, err
		}
		mux.Register(s3, "s3")
	}

	if cfg.GCS {
		gcs, err := backends.NewGCS(ctx)
		if err != nil {
			mux.Close()
			return nil, err
		}
		mux.Register(gcs, "gs")
	}

	var backend backends.Backend = mux

	// Wrap with error backend if error rate is configured
	if cfg.ErrorRate > 0 {
		faults, err := config.ParseFaults(cfg.ErrorFaults)
		if err != nil {
			mux.Close()
			return nil, err
		}
		backend = backends.NewError(backend, cfg.ErrorRate, backends.WithFaults(faults...))
		logger.Info("error injection enabled", "rate", cfg.ErrorRate, "faults", cfg.ErrorFaults)
	}

	// Wrap with debug backend if debug logging is enabled
	if logger.Enabled(ctx, slog.LevelDebug) {
		backend = backends.NewDebug(backend, logger)
	}

	return backend, nil
}

func createDedupeGroup(cfg config.Cache) (dedupe.Group, error) {
	switch strings.ToLower(cfg.Dedupe) {
	case config.DedupeMemory, "":
		// Default: abort-aware in-memory coordinator
		return dedupe.NewCoordinator(), nil

	case config.DedupeSingleflight:
		return dedupe.NewSingleflightGroup(), nil

	case config.DedupeFSLock, "fs":
		// Filesystem-backed deduplication across processes
		group, err := dedupe.NewFlockGroup(cfg.LockDir, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create fslock group: %w", err)
		}
		return group, nil

	case config.DedupeNoop:
		// No deduplication (useful for testing)
		return dedupe.NewNoOpGroup(), nil

	default:
		return nil, fmt.Errorf("unknown dedupe type: %s (supported: memory, singleflight, fslock, noop)", cfg.Dedupe)
	}
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value.
// Accepts: true, false, 1, 0, yes, no (case insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvFloat gets a float64 environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// getEnvInt64 gets an int64 environment variable or returns a default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvInt gets an int environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}
