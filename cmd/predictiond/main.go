// main.go - Confidential prediction ledger daemon.
//
// Starts one in-process host chain with the encrypted prediction engine
// deployed on it, and serves its entry points, views and the decryption
// relayer over HTTP.
//
// Usage:
//   predictiond -config predictiond.toml
//   predictiond -demo
//
// The network key and the input circuit keys are generated on first start
// and reused afterwards. With state.dir set, ciphertexts, grants and
// predictions are snapshotted periodically and on shutdown.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gnarklogger "github.com/consensys/gnark/logger"
	"golang.org/x/sync/errgroup"

	"encledger/internal/fhe"
	"encledger/internal/inputs"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "predictiond.toml", "path to the TOML configuration")
	demo := flag.Bool("demo", false, "run the Weather scenario in-process and exit")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	auditFile := ""
	if cfg.Log.EnableAudit {
		auditFile = cfg.Log.AuditFile
	}
	log, err := NewLogger(cfg.Log.Level, cfg.Log.File, auditFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	gnarklogger.Set(log.Zerolog().With().Str("component", "gnark").Logger())

	if err := run(cfg, log, *demo); err != nil {
		log.Fatal("%v", err)
	}
}

func run(cfg *Config, log *Logger, demo bool) error {
	metrics := NewMetricsCollector()

	for _, p := range []string{cfg.Keys.NetworkKey, cfg.Keys.ProvingKey, cfg.Keys.VerifyingKey} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	netKey, err := fhe.LoadOrGenerateNetworkKey(cfg.Keys.NetworkKey)
	if err != nil {
		return fmt.Errorf("network key: %w", err)
	}

	log.Info("Loading input circuit keys (first start runs the Groth16 setup)...")
	start := time.Now()
	keys, err := inputs.SetupOrLoad(cfg.Keys.ProvingKey, cfg.Keys.VerifyingKey)
	if err != nil {
		return fmt.Errorf("input keys: %w", err)
	}
	metrics.RecordInputSetup(time.Since(start))
	log.Info("Input circuit ready in %s", time.Since(start).Round(time.Millisecond))

	n, err := newNode(cfg, netKey, keys)
	if err != nil {
		return err
	}

	if demo {
		return runDemo(n, log)
	}

	if cfg.State.Dir != "" {
		restored, err := n.loadState(cfg.State.Dir)
		if err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		if restored {
			log.Info("Restored %d predictions and %d ciphertexts from %s",
				n.engine.GetPredictionCount(), n.cop.Stats().Handles, cfg.State.Dir)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, n, log, metrics)
}

// saveTracker remembers the outcome of the last snapshot for health checks.
type saveTracker struct {
	mu  sync.Mutex
	err error
	at  time.Time
}

func (t *saveTracker) record(err error) {
	t.mu.Lock()
	t.err, t.at = err, time.Now()
	t.mu.Unlock()
}

func (t *saveTracker) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return ErrDegraded(fmt.Sprintf("last snapshot at %s failed: %v", t.at.Format(time.RFC3339), t.err))
	}
	return nil
}

func registerHealth(h *HealthChecker, n *node, saves *saveTracker) {
	h.RegisterComponent("coprocessor", func() error {
		return n.chain.View(func() error {
			if n.cop.Stats().InTransaction {
				return errors.New("transaction left open between calls")
			}
			return nil
		})
	})
	h.RegisterComponent("input_keys", func() error {
		if n.inputKeys.PK == nil {
			return ErrDegraded("no proving key loaded")
		}
		return nil
	})
	if saves != nil {
		h.RegisterComponent("state", saves.check)
	}
}

func serve(ctx context.Context, cfg *Config, n *node, log *Logger, metrics *MetricsCollector) error {
	health := NewHealthChecker(version)
	var saves *saveTracker
	if cfg.State.Dir != "" {
		saves = &saveTracker{}
	}
	registerHealth(health, n, saves)

	limiter := NewAccountRateLimiter(cfg.Limits.MaxTokens, cfg.Limits.RefillRate, time.Duration(cfg.Limits.RefillSeconds)*time.Second)
	api := newServer(n, log, metrics, health, limiter, cfg.Dev.Enabled)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Serving predictiond %s on %s (chain %d, contract %s, dev=%t)",
			version, cfg.Server.Addr, cfg.Chain.ChainID, n.contract.Hex(), cfg.Dev.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if saves != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Duration(cfg.State.SaveIntervalSeconds) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					err := n.saveState(cfg.State.Dir)
					if err != nil {
						return fmt.Errorf("final snapshot: %w", err)
					}
					log.Info("State saved to %s", cfg.State.Dir)
					return nil
				case <-ticker.C:
					err := n.saveState(cfg.State.Dir)
					saves.record(err)
					if err != nil {
						metrics.RecordError("snapshot")
						log.Warn("Snapshot failed: %v", err)
					}
				}
			}
		})
	}

	return g.Wait()
}
