// Package daemon wires the shellq components into one process: configuration,
// logging, the task store, the scheduler, process supervision, the control
// gateway and snapshot persistence.
package daemon

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"shellq/internal/config"
	"shellq/internal/eventbus"
	"shellq/internal/gateway"
	"shellq/internal/persist"
	"shellq/internal/proc"
	rsup "shellq/internal/runtime/supervisor"
	"shellq/internal/sched"
	"shellq/internal/state"
	logx "shellq/pkg/logx"
)

// snapshotDebounce coalesces bursts of state changes into one snapshot write.
const snapshotDebounce = 2 * time.Second

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store *state.Store
	procs *proc.Supervisor
	sched *sched.Scheduler
	gw    *gateway.Gateway

	pst   persist.Store
	snaps *persist.Snapshotter

	secret  []byte
	tlsConf *tls.Config

	shutdownTimeout time.Duration

	stopOnce sync.Once
	stopErr  error
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	secret, err := os.ReadFile(cfg.Shared.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	if len(bytes.TrimSpace(secret)) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", cfg.Shared.SecretPath)
	}

	cert, err := tls.LoadX509KeyPair(cfg.Shared.CertPath, cfg.Shared.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	killGrace, err := cfg.KillGrace()
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := cfg.ShutdownTimeout()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	store := state.New(log.With(logx.String("comp", "state")), bus)

	a := &App{
		cfgPath:         cfgPath,
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		store:           store,
		secret:          secret,
		tlsConf:         &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13},
		shutdownTimeout: shutdownTimeout,
	}

	procs, err := proc.New(proc.Config{
		Shell:     cfg.Shell(),
		LogDir:    cfg.Daemon.TaskLogDir,
		KillGrace: killGrace,
	}, log.With(logx.String("comp", "proc")), a.onTaskExit)
	if err != nil {
		return nil, err
	}
	a.procs = procs
	a.sched = sched.New(store, procs, log.With(logx.String("comp", "sched")))

	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		pst, err := persist.Open(persist.Config{
			Driver:        cfg.Storage.Driver,
			Path:          cfg.Storage.Path,
			BusyTimeout:   busy,
			KeepSnapshots: cfg.Storage.KeepSnapshots,
		}, log.With(logx.String("comp", "persist")))
		if err != nil {
			return nil, err
		}
		a.pst = pst
	}

	if err := a.restore(); err != nil {
		// A bad snapshot costs history, not availability. Start empty.
		log.Warn("state restore failed; starting with empty state", logx.Err(err))
	}

	// Config-declared groups exist before the gateway accepts commands.
	for name, slots := range cfg.Daemon.Groups {
		if err := store.EnsureGroup(name, slots); err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
	}

	a.snaps = persist.NewSnapshotter(a.pst, store.Snapshot, log.With(logx.String("comp", "snapshot")))
	return a, nil
}

func (a *App) restore() error {
	if a.pst == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := a.pst.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if err := a.store.Restore(*snap); err != nil {
		return err
	}
	a.log.Info("state restored",
		logx.Int("tasks", len(snap.Tasks)),
		logx.Int("groups", len(snap.Groups)),
		logx.Time("taken_at", snap.TakenAt))
	return nil
}

// onTaskExit routes child exits into the store and wakes the scheduler for
// the freed slot. Called from proc reaper goroutines.
func (a *App) onTaskExit(taskID int, f state.Finish) {
	if err := a.store.Finish(taskID, f); err != nil {
		// Reset can wipe a task while its process is still exiting.
		a.log.Debug("exit for unknown task", logx.Int("task", taskID), logx.Err(err))
	}
	a.sched.Poke()
}

// Done is closed when the app's run context ends: a fatal component error or
// a shutdown request over the protocol.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RequestShutdown asks the daemon to exit gracefully. Safe from any goroutine.
func (a *App) RequestShutdown() {
	if a.sup != nil {
		a.sup.Cancel()
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rsup.New(ctx, rsup.WithLogger(a.log), rsup.WithCancelOnError(true))

	cfg := a.cfgm.Get()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional hot reload: the control channel and credentials are fixed
	// for the life of the process.
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if cur := a.cfgm.Get(); cur != nil && next.Shared != cur.Shared {
			return errors.New("shared settings cannot change while the daemon runs")
		}
		return nil
	})

	if err := writePidFile(cfg.Shared.PidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	a.gw = gateway.New(gateway.Config{
		SocketPath:         cfg.Shared.SocketPath,
		Host:               cfg.Shared.Host,
		Port:               cfg.Shared.Port,
		Secret:             a.secret,
		TLS:                a.tlsConf,
		AuthFailuresPerMin: cfg.AuthFailuresPerMin(),
	}, a.log.With(logx.String("comp", "gateway")), a.store, a.sched, a.procs, a.sup, a.RequestShutdown)

	if err := a.gw.Listen(); err != nil {
		return err
	}

	a.sup.Go("scheduler", a.sched.Run)
	// Restart on transient accept errors (EMFILE and the like); a clean
	// return means the listener closed and the loop is done.
	a.sup.GoRestart("gateway.accept", a.gw.Serve)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	// Snapshot on state change, debounced so bursts cost one write.
	if a.pst != nil {
		events, unsub := a.bus.Subscribe(64)
		a.sup.Go0("persist.debounce", func(c context.Context) {
			defer unsub()
			var timer *time.Timer
			var fire <-chan time.Time
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if ev.Type != eventbus.TypeTaskStatus && ev.Type != eventbus.TypeStateChanged {
						continue
					}
					if timer == nil {
						timer = time.NewTimer(snapshotDebounce)
						fire = timer.C
					}
				case <-fire:
					timer = nil
					fire = nil
					a.saveSnapshot(c)
				}
			}
		})
	}

	if cfg.Storage != nil {
		if err := a.snaps.Start(cfg.Storage.SnapshotSchedule); err != nil {
			return fmt.Errorf("storage.snapshot_schedule: %w", err)
		}
	}

	// Tasks restored as queued need a first pass.
	a.sched.Poke()

	// Under systemd these are no-ops outside a unit with NotifyAccess.
	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	if interval, err := sd.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("watchdog", func(c context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("daemon started")
	return nil
}

func (a *App) saveSnapshot(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.pst.SaveSnapshot(sctx, a.store.Snapshot()); err != nil {
		a.log.Warn("snapshot save failed", logx.Err(err))
	}
}

// applyConfig applies a validated hot reload. Logging and group parallelism
// are live; shell, kill grace and the storage backend stay as loaded.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Declared groups are authoritative: create missing ones and re-apply
	// slot counts. Groups created over the protocol are untouched.
	for name, slots := range cfg.Daemon.Groups {
		if err := a.store.EnsureGroup(name, slots); err != nil {
			a.log.Warn("group ensure failed", logx.String("group", name), logx.Err(err))
			continue
		}
		if err := a.store.SetGroupSlots(name, slots); err != nil {
			a.log.Warn("group slots update failed", logx.String("group", name), logx.Err(err))
		}
	}
	a.sched.Poke()
	a.log.Info("config reloaded")
}

// Stop unwinds the daemon: stop accepting connections, drain supervised
// goroutines, take a final snapshot, release the pid file. Running children
// are NOT killed; they are orphaned to finish on their own and their tasks
// are marked failed on the next restore.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.stop(ctx)
	})
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	a.log.Info("stopping")
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	cfg := a.cfgm.Get()

	if a.gw != nil {
		if err := a.gw.Close(); err != nil {
			a.log.Warn("closing listener", logx.Err(err))
		}
	}
	if a.snaps != nil {
		a.snaps.Stop()
	}

	var firstErr error
	if a.sup != nil {
		dctx, cancel := context.WithTimeout(ctx, a.shutdownTimeout)
		err := a.sup.Stop(dctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			firstErr = err
			a.log.Warn("supervised goroutines did not drain cleanly", logx.Err(err))
		}
	}

	if a.pst != nil {
		a.saveSnapshot(context.WithoutCancel(ctx))
		if err := a.pst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if cfg != nil {
		removePidFile(cfg.Shared.PidPath)
	}

	a.log.Info("daemon stopped")
	_ = a.logs.Close()
	return firstErr
}
