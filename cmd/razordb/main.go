package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shirou/gopsutil/v3/mem"
	flag "github.com/spf13/pflag"

	"github.com/nconghau/razordb/internal/lsm"
)

type options struct {
	dir             string
	configPath      string
	httpAddr        string
	cacheMemPercent float64
	serverOnly      bool
	debug           bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("razordb", flag.ContinueOnError)
	fs.StringVar(&opts.dir, "dir", "data/razordb", "store directory")
	fs.StringVar(&opts.configPath, "config", "", "JSONC config file (defaults apply when empty)")
	fs.StringVar(&opts.httpAddr, "http", ":6866", "HTTP API listen address, empty to disable")
	fs.Float64Var(&opts.cacheMemPercent, "cache-mem-percent", 0, "size the block cache to this percent of system memory (0 keeps the config sizes)")
	fs.BoolVar(&opts.serverOnly, "server-only", false, "serve HTTP without the interactive shell")
	fs.BoolVar(&opts.debug, "debug", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.cacheMemPercent < 0 || opts.cacheMemPercent > 90 {
		return nil, fmt.Errorf("--cache-mem-percent must be within [0, 90], got %v", opts.cacheMemPercent)
	}
	if opts.serverOnly && opts.httpAddr == "" {
		return nil, errors.New("--server-only needs --http")
	}
	return opts, nil
}

func loadConfig(opts *options) (*lsm.Config, error) {
	cfg := lsm.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = lsm.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.cacheMemPercent > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return nil, fmt.Errorf("read system memory: %w", err)
		}
		applyCacheBudget(cfg, vm.Total, opts.cacheMemPercent)
	}
	return cfg, nil
}

// applyCacheBudget splits percent of total memory between the caches: one
// fifth for indexes, the rest for data blocks.
func applyCacheBudget(cfg *lsm.Config, total uint64, percent float64) {
	budget := int(float64(total) * percent / 100)
	cfg.IndexCacheSize = budget / 5
	cfg.DataBlockCacheSize = budget - cfg.IndexCacheSize
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if memLimit := os.Getenv("GOMEMLIMIT"); memLimit != "" {
		slog.Info("GOMEMLIMIT set", "value", memLimit)
	}
	debug.SetGCPercent(50)

	slog.Info("Starting razordb", "pid", os.Getpid(), "dir", opts.dir)

	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Logger = logger
	slog.Info("Block cache sized",
		"index_bytes", cfg.IndexCacheSize,
		"data_bytes", cfg.DataBlockCacheSize,
		"error_policy", cfg.ErrorPolicy.String(),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := lsm.NewMetrics(reg)

	cache, err := lsm.NewBlockCache(cfg, lsm.WithMetrics(metrics))
	if err != nil {
		slog.Error("Failed to create block cache", "error", err)
		os.Exit(1)
	}
	db, err := lsm.OpenLSM(opts.dir, cfg, cache, metrics)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Database close error", "error", err)
		}
	}()

	var server *http.Server
	if opts.httpAddr != "" {
		server = startHttpServer(newServer(db, cache, reg), opts.httpAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				slog.Error("HTTP shutdown error", "error", err)
			}
		}()
	}

	if opts.serverOnly {
		slog.Info("Running in server-only mode")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		slog.Info("Shutdown signal received")
		return
	}

	printUsage(opts.httpAddr)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ColorYellow + "> " + ColorReset,
		HistoryFile:     "/tmp/razordb.history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer{db: db},
	})
	if err != nil {
		slog.Error("Failed to start shell", "error", err)
		return
	}
	defer rl.Close()

	RunCLI(db, rl, os.Stdout)
}

func printUsage(httpAddr string) {
	fmt.Println(ColorYellow + "\nrazordb" + ColorReset)
	fmt.Println(ColorCyan + "\nSystem Info:" + ColorReset)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("  Go Version: %s\n", runtime.Version())
	fmt.Printf("  NumCPU: %d\n", runtime.NumCPU())
	fmt.Printf("  Memory Allocated: %.2f MB\n", float64(m.Alloc)/1024/1024)

	fmt.Println(ColorYellow + "\nCLI Usage" + ColorReset)
	for _, c := range commandHelp {
		fmt.Printf("  %-22s %s# %s%s\n", c.usage, ColorBlue, c.about, ColorReset)
	}

	if httpAddr == "" {
		fmt.Println()
		return
	}
	base := "http://localhost" + httpAddr
	fmt.Println(ColorYellow + "\nREST API Examples (cURL):" + ColorReset)
	fmt.Println(ColorCyan + " # Store a value" + ColorReset)
	fmt.Println("  curl -X PUT --data-binary 'hello' " + base + "/api/kv/greeting")
	fmt.Println(ColorCyan + " # Read it back" + ColorReset)
	fmt.Println("  curl " + base + "/api/kv/greeting")
	fmt.Println(ColorCyan + " # Engine and cache stats" + ColorReset)
	fmt.Println("  curl " + base + "/api/stats")
	fmt.Println(ColorCyan + " # Prometheus metrics" + ColorReset)
	fmt.Println("  curl " + base + "/metrics")
	fmt.Println()
}
