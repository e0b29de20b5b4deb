// Package main provides the entry point for the authorization engine
// process: policy loading, agent wiring, and the ambient health/metrics
// surface. It deliberately carries no REST/gRPC transport for the
// Check API itself — embedding this module directly is the supported
// integration path.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/authz-engine/go-core/internal/advisor"
	"github.com/authz-engine/go-core/internal/analyst"
	"github.com/authz-engine/go-core/internal/cache"
	"github.com/authz-engine/go-core/internal/decision"
	"github.com/authz-engine/go-core/internal/decision/sink"
	"github.com/authz-engine/go-core/internal/enforcer"
	"github.com/authz-engine/go-core/internal/engine"
	"github.com/authz-engine/go-core/internal/eventbus"
	"github.com/authz-engine/go-core/internal/guardian"
	"github.com/authz-engine/go-core/internal/metrics"
	"github.com/authz-engine/go-core/internal/orchestrator"
	"github.com/authz-engine/go-core/internal/policy"
	"github.com/authz-engine/go-core/internal/ratelimit"
	"github.com/authz-engine/go-core/internal/swarm"
	"github.com/authz-engine/go-core/pkg/policydoc"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/google/uuid"
)

var (
	// Version information, set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		httpPort        = flag.Int("http-port", 8080, "HTTP port for health/metrics")
		logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		logFile         = flag.String("log-file", "", "Rotate logs to this file instead of stderr")
		policyDir       = flag.String("policy-dir", "", "Directory of YAML policy documents to load at startup")
		rateLimitLocal  = flag.Bool("local-rate-limit", true, "Back the enforcer's rate gate with an in-process token bucket")
		rateLimitRedis  = flag.String("redis-rate-limit-addr", "", "Redis address to back the enforcer's rate gate with a distributed sliding-window limiter (overrides -local-rate-limit)")
		cacheBackend    = flag.String("decision-cache", "lru", "Decision cache backend (lru, redis, hybrid)")
		cacheRedisAddr  = flag.String("cache-redis-addr", "localhost:6379", "Redis address for the decision cache when -decision-cache is redis or hybrid")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("authz-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(*logLevel, *logFormat, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting authorization engine",
		zap.String("version", Version),
		zap.Int("http_port", *httpPort),
	)

	bus := eventbus.New(logger)

	store := policy.NewMemoryStore()
	store.SetBus(bus)
	if *policyDir != "" {
		if err := loadPoliciesFromDir(store, *policyDir, logger); err != nil {
			logger.Fatal("failed to load policies", zap.Error(err))
		}
	}

	engCfg := engine.DefaultConfig()
	switch *cacheBackend {
	case "redis":
		engCfg.CacheType = cache.RedisOnly
		engCfg.RedisConfig = redisConfigFor(*cacheRedisAddr)
	case "hybrid":
		engCfg.CacheType = cache.HybridCacheType
		engCfg.HybridConfig = &cache.HybridCacheConfig{
			L1Capacity: engCfg.CacheSize,
			L1TTL:      engCfg.CacheTTL,
			L2Enabled:  true,
			L2Config:   redisConfigFor(*cacheRedisAddr),
		}
	}

	eng, err := engine.New(engCfg, store, logger)
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}

	m := metrics.NewPrometheusMetrics("authz")
	eng.SetMetrics(m)

	decisions := decision.NewMemoryStore(sink.NewStdoutWriter())
	g := guardian.New(guardian.DefaultConfig(), decisions, logger)
	g.SetMetrics(m)
	g.SetBus(bus)

	enfCfg := enforcer.DefaultConfig()
	switch {
	case *rateLimitRedis != "":
		rlCfg := ratelimit.LoadConfigFromEnv()
		rlCfg.RedisAddr = *rateLimitRedis
		client := redis.NewClient(&redis.Options{
			Addr:     rlCfg.RedisAddr,
			Password: rlCfg.RedisPassword,
			DB:       rlCfg.RedisDB,
		})
		enfCfg.Limiter = ratelimit.NewRedisLimiter(client, rlCfg)
	case *rateLimitLocal:
		enfCfg.Limiter = ratelimit.NewLocalLimiter(ratelimit.LoadConfigFromEnv())
	}
	enf := enforcer.New(enfCfg)
	enf.SetBus(bus)

	adv := advisor.New(nil)
	an := analyst.New(analyst.DefaultConfig(), decisions)

	// Orchestrator.ProcessRequest is the integration surface for
	// embedding callers; this process wires it but does not itself
	// expose a Check transport (see package doc).
	orch := orchestrator.New(orchestrator.DefaultConfig(), eng, g, enf, adv, decisions)

	pool := swarm.NewPool(swarm.DefaultConfig(), func(role types.AgentRole, taskTypes []string) *types.SwarmAgent {
		return &types.SwarmAgent{ID: string(role) + ":" + uuid.NewString(), Role: role, SupportedTasks: taskTypes}
	})
	pool.SetMetrics(m)
	for _, role := range []types.AgentRole{types.RoleGuardian, types.RoleAnalyst, types.RoleAdvisor, types.RoleEnforcer} {
		pool.SpawnAgent(role, []string{"dispatch", "vote"})
	}
	orch.SetSwarm(pool, an, swarm.DefaultCoordinatorConfig())

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *httpPort),
		Handler:      buildHTTPMux(m),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("serving health/metrics", zap.Int("port", *httpPort))
		errChan <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown did not complete cleanly", zap.Error(err))
		}
	}

	logger.Info("authorization engine stopped")
}

func buildHTTPMux(m metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.HTTPHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// initLogger builds the zap logger. A non-empty file path rotates logs
// through lumberjack instead of writing to stderr.
func initLogger(level, format, file string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	if format == "console" {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var writer zapcore.WriteSyncer
	if file != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	} else {
		writer = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, writer, zap.NewAtomicLevelAt(zapLevel))
	return zap.New(core), nil
}

// redisConfigFor builds a decision-cache Redis config from a
// host:port address, falling back to the library default on a
// malformed addr rather than failing startup.
func redisConfigFor(addr string) *cache.RedisConfig {
	cfg := cache.DefaultRedisConfig()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return cfg
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return cfg
	}
	cfg.Host = host
	cfg.Port = port
	return cfg
}

// loadPoliciesFromDir reads every *.yaml/*.yml file in dir, parses it
// with pkg/policydoc, and puts the result into store.
func loadPoliciesFromDir(store *policy.MemoryStore, dir string, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read policy dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		docs, err := policydoc.ParseAll(content)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, doc := range docs {
			if _, err := store.Put(doc); err != nil {
				return fmt.Errorf("store %s (%s): %w", path, doc.Name, err)
			}
			loaded++
		}
	}

	logger.Info("loaded policies from directory",
		zap.String("dir", dir),
		zap.Int("count", loaded),
	)
	return nil
}
