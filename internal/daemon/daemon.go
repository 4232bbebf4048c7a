// Package daemon builds the coordinator from its configuration and runs it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/api"
	"github.com/neurolov/swarmd/internal/app/admission"
	"github.com/neurolov/swarmd/internal/app/settlement"
	"github.com/neurolov/swarmd/internal/app/swarm"
	"github.com/neurolov/swarmd/internal/app/verify"
	"github.com/neurolov/swarmd/internal/health"
	"github.com/neurolov/swarmd/internal/infra/connection"
	"github.com/neurolov/swarmd/internal/infra/logging"
	"github.com/neurolov/swarmd/internal/infra/network"
	"github.com/neurolov/swarmd/internal/infra/scheduler"
	"github.com/neurolov/swarmd/internal/infra/sqlite"
	"github.com/neurolov/swarmd/internal/security"
)

// Daemon is the coordinator runtime. It wires together all services.
type Daemon struct {
	Config  Config
	NodeID  string
	Log     zerolog.Logger
	DB      *sqlite.DB
	Keypair *security.Keypair

	Registry   *connection.Registry
	Swarms     *swarm.Directory
	Fabric     *network.Fabric
	Gate       *admission.Gate
	Verifier   *verify.Registry
	Ledger     *settlement.Ledger
	Settlement *settlement.Service
	Scheduler  *scheduler.Scheduler
	Health     *health.Checker
	Server     *api.Server

	redis  *admission.RedisWindow
	cancel context.CancelFunc
	once   sync.Once
}

// New loads config.toml and builds a Daemon.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	base := logging.New(cfg.LoggingOptions())
	d := &Daemon{Config: cfg, Log: logging.Component(base, "daemon")}

	storage := cfg.StorageDir()
	db, err := sqlite.Open(storage)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.DB = db

	kp, err := security.LoadOrCreateKeypair(storage)
	if err != nil {
		d.Log.Warn().Err(err).Msg("keypair unavailable, using node-local id")
	}
	d.Keypair = kp
	d.NodeID = nodeID(cfg.Node.ID, kp)

	// Sessions and membership. The registry reports liveness transitions to
	// the directory; the directory announces membership through the fabric.
	d.Registry = connection.NewRegistry(cfg.ConnectionConfig(), logging.Component(base, "connection"))
	d.Swarms = swarm.NewDirectory(db, logging.Component(base, "swarm"), swarm.WithLiveness(d.Registry))
	d.Fabric = network.NewFabric(network.DefaultFabricConfig(), d.Swarms, d.Registry, logging.Component(base, "fabric"))
	d.Swarms.SetNotifier(d.Fabric)
	d.Registry.OnOffline(func(id string) { d.Swarms.MemberOffline(context.Background(), id) })
	d.Registry.OnOnline(func(id string) { d.Swarms.MemberOnline(context.Background(), id) })

	// Admission
	var store admission.WindowStore
	if addr := cfg.Admission.RedisAddr; addr != "" {
		rw, err := admission.DialRedisWindow(context.Background(), addr)
		if err != nil {
			db.Close()
			return nil, err
		}
		d.redis = rw
		store = rw
	}
	d.Gate = admission.NewGate(cfg.AdmissionConfig(), store, nil, logging.Component(base, "admission"))

	// Verification and settlement
	d.Verifier = verify.NewRegistry(logging.Component(base, "verify"))
	d.Ledger = settlement.NewLedger(db)
	settleLog := logging.Component(base, "settlement")
	d.Settlement = settlement.NewService(cfg.SettlementConfig(), d.Ledger, settleLog,
		settlement.WithSettledHook(func(taskID, ref string) {
			if err := db.SetSettlementRef(context.Background(), taskID, ref); err != nil {
				settleLog.Error().Err(err).Str("task", taskID).Msg("record settlement ref")
			}
		}),
	)

	d.Scheduler = scheduler.NewScheduler(cfg.SchedulerConfig(), db, d.Swarms, d.Verifier,
		logging.Component(base, "scheduler"),
		scheduler.WithSettler(d.Settlement),
		scheduler.WithNotifier(d.Fabric),
		scheduler.WithRejectHook(d.Gate.RecordViolation),
	)

	maxBacklog := cfg.Settlement.MaxBacklog
	if maxBacklog <= 0 {
		maxBacklog = DefaultConfig().Settlement.MaxBacklog
	}
	d.Health = health.NewChecker(time.Minute, logging.Component(base, "health"),
		health.PingCheck("sqlite", db),
		health.DirCheck("storage", storage),
		health.BacklogCheck("settlement", d.Settlement.Backlog, maxBacklog,
			func(ctx context.Context) { d.Settlement.RetryDue(ctx) }),
	)

	d.Server = api.NewServer(cfg.APIConfig(), api.Services{
		Scheduler: d.Scheduler,
		Swarms:    d.Swarms,
		Gate:      d.Gate,
		Registry:  d.Registry,
		Health:    d.Health,
	}, logging.Component(base, "api"))

	return d, nil
}

// nodeID prefers the configured id, then one derived from the public key.
func nodeID(configured string, kp *security.Keypair) string {
	if configured != "" {
		return configured
	}
	if kp != nil {
		if hex := kp.PublicKeyHex(); len(hex) > 16 {
			return "node-" + hex[:16]
		}
	}
	return "node-local"
}

// Start launches the background loops. They stop when ctx ends or Close is
// called.
func (d *Daemon) Start(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Registry.Run(ctx)
	go d.Gate.Run(ctx)
	go d.Scheduler.Run(ctx)
	go d.Settlement.Run(ctx)
	go d.Health.Run(ctx)
	return ctx
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx = d.Start(ctx)
	addr := d.Config.Addr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-sigCh:
			d.Log.Info().Msg("shutdown requested")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		d.Close()
	}()

	d.Log.Info().
		Str("addr", addr).
		Str("node", d.NodeID).
		Bool("metrics", d.Config.Telemetry.Prometheus).
		Bool("redis_window", d.redis != nil).
		Msg("swarmd serving")

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		d.Close()
		return err
	}
	<-stopped
	return nil
}

// Close shuts down all daemon resources. It is safe to call more than once.
func (d *Daemon) Close() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.Registry != nil {
			d.Registry.CloseAll()
		}
		if d.redis != nil {
			_ = d.redis.Close()
		}
		if d.DB != nil {
			_ = d.DB.Close()
		}
	})
}
