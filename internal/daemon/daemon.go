// Package daemon wires config, logging, the lock file, the session
// registry, the router, and the transport into the running helmd process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"helm/internal/config"
	"helm/internal/lockfile"
	"helm/internal/logging"
	"helm/internal/registry"
	"helm/internal/router"
	"helm/internal/tracer"
	"helm/internal/transport"
)

// Daemon is the assembled, runnable helmd process.
type Daemon struct {
	cfg        *config.Config
	log        *slog.Logger
	logCloser  func() error
	lock       *lockfile.Lock
	reg        *registry.Registry
	rt         *router.Router
	srv        *transport.Server
	tracerStop func(context.Context) error
	serverID   string
}

// New constructs a Daemon from cfg without starting anything.
func New(cfg *config.Config) (*Daemon, error) {
	log, closer, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	tracerStop, err := tracer.Setup(cfg.Tracer)
	if err != nil {
		_ = closer()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	serverID := generateServerID()

	reg := registry.New(registry.Config{
		KeepaliveTimeout: cfg.Timeouts.KeepaliveTimeout,
		RatePerSecond:    cfg.RateLimit.RatePerSecond,
		RateBurst:        cfg.RateLimit.Burst,
	}, log)

	rt := router.New(reg, cfg.Timeouts, cfg.Breaker, serverID, cfg.ProtocolVersion, log)
	reg.SetNotifier(rt)

	srv, err := transport.NewServer(fmt.Sprintf("127.0.0.1:%d", cfg.Port), reg, rt, log)
	if err != nil {
		_ = closer()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	return &Daemon{
		cfg:        cfg,
		log:        log,
		logCloser:  closer,
		reg:        reg,
		rt:         rt,
		srv:        srv,
		tracerStop: tracerStop,
		serverID:   serverID,
	}, nil
}

func generateServerID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Run acquires the lock file, starts the sweeper and transport, and blocks
// until ctx is canceled. It always releases the lock file and closes the
// logger on the way out, even on error.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := lockfile.Acquire(d.cfg.LockFile.Path, lockfile.Record{
		PID:             os.Getpid(),
		Port:            d.cfg.Port,
		ServerID:        d.serverID,
		ProtocolVersion: d.cfg.ProtocolVersion,
		StartedAt:       time.Now(),
	})
	if err != nil {
		_ = d.logCloser()
		return err
	}
	d.lock = lock

	defer func() {
		if err := d.lock.Release(); err != nil {
			d.log.Error("release lock file", "err", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.tracerStop(shutdownCtx); err != nil {
			d.log.Error("shut down tracer", "err", err)
		}
		if err := d.logCloser(); err != nil {
			// Logger is already being torn down; nothing else can report this.
			fmt.Fprintln(os.Stderr, "close log output:", err)
		}
	}()

	d.reg.StartSweeper()
	defer d.reg.Stop()

	d.log.Info("helmd starting", "port", d.cfg.Port, "serverId", d.serverID, "protocolVersion", d.cfg.ProtocolVersion)
	return d.srv.Start(ctx)
}

// BoundAddr returns the transport's actual bound address. Only valid once
// Run has started listening.
func (d *Daemon) BoundAddr() string { return d.srv.BoundAddr() }
