// Package lifecycle wires every other package into a runnable daemon:
// pid-file bookkeeping, startup state restoration, the listener accept
// loop, signal-driven graceful shutdown, and the optional observability
// HTTP endpoint (§4.9). Grounded on the teacher's cmd/server bootstrap
// (context-based graceful shutdown around an http.Server, a
// signal.Notify on SIGTERM/SIGINT), generalized from one HTTP listener
// to the daemon's own accept loop plus its scheduler goroutine.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pueue-rs/pueued-go/internal/callback"
	"github.com/pueue-rs/pueued-go/internal/config"
	"github.com/pueue-rs/pueued-go/internal/dispatcher"
	"github.com/pueue-rs/pueued-go/internal/eventbus"
	"github.com/pueue-rs/pueued-go/internal/hub"
	"github.com/pueue-rs/pueued-go/internal/listener"
	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/logstore"
	"github.com/pueue-rs/pueued-go/internal/registry"
	"github.com/pueue-rs/pueued-go/internal/scheduler"
	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/supervisor"
	"github.com/pueue-rs/pueued-go/internal/task"
)

// Version is the daemon's version string, exchanged during the wire
// handshake (§4.6 step 2).
const Version = "pueued-go 0.1.0"

// SecretSize re-exports dispatcher.SecretSize.
const SecretSize = dispatcher.SecretSize

// Daemon owns every long-lived component and the accept loop tying them
// together.
type Daemon struct {
	cfg     *config.Config
	store   *state.Store
	sched   *scheduler.Scheduler
	disp    *dispatcher.Dispatcher
	bus     *eventbus.Bus
	hub     *hub.Hub
	ln      net.Listener
	httpSrv *http.Server

	stopAccept chan struct{}
	wg         sync.WaitGroup
}

// New builds every component from cfg but does not yet bind a socket or
// start any goroutine.
func New(cfg *config.Config) (*Daemon, error) {
	secret, err := os.ReadFile(cfg.Paths.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("read shared secret: %w", err)
	}

	aliaser, err := task.NewAliaser(cfg.Paths.AliasFile)
	if err != nil {
		return nil, fmt.Errorf("load alias file: %w", err)
	}

	initial, err := state.Restore(cfg.Paths.RuntimeDir, cfg.Save.Compress)
	if err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if initial == nil {
		initial = state.NewState(cfg.Groups.DefaultParallelTasks)
	}

	bus := eventbus.New()
	reg := registry.New()
	super := supervisor.New(cfg.Shell.Command)
	logs := logstore.New(cfg.Paths.LogDir)
	cb := callback.New(cfg.Shell.Command, cfg.Callback.Template)

	backoff := state.SaveBackoff{
		MaxAttempts:    cfg.Save.RetryMaxAttempts,
		InitialBackoff: cfg.Save.RetryInitialBackoff,
		MaxBackoff:     cfg.Save.RetryMaxBackoff,
		BackoffFactor:  cfg.Save.RetryBackoffFactor,
		JitterFactor:   cfg.Save.RetryJitterFactor,
	}

	var sched *scheduler.Scheduler
	store := state.NewStore(cfg.Paths.RuntimeDir, initial,
		state.WithCompression(cfg.Save.Compress),
		state.WithSaveBackoff(backoff),
		state.WithSaveFailureHandler(func(err error) {
			logger.Error().Err(err).Msg("persistence failed after retries, initiating emergency shutdown")
			if sched != nil {
				// Save also runs on the scheduler goroutine, which is the
				// only reader of Submit's queue; submit asynchronously so
				// that goroutine does not wait on itself.
				go sched.Submit(scheduler.Instruction{Kind: scheduler.InstrShutdown, Shutdown: state.ShutdownEmergency})
			}
		}),
	)

	sched = scheduler.New(store, reg, super, logs, cb, bus, scheduler.Settings{
		Shell:                cfg.Shell.Command,
		PauseOnFailure:       cfg.Groups.PauseOnFailure,
		PauseAllGroupsOnFail: cfg.Groups.PauseAllGroupsOnFail,
		PauseDescendants:     cfg.Groups.PauseGroupDescendant,
		EditLockTimeout:      cfg.Edit.LockTimeout,
	})

	disp := dispatcher.New(store, sched, logs, aliaser, secret, Version)

	h := hub.NewHub(bus)

	return &Daemon{
		cfg:        cfg,
		store:      store,
		sched:      sched,
		disp:       disp,
		bus:        bus,
		hub:        h,
		stopAccept: make(chan struct{}),
	}, nil
}

// Run binds the listener, checks for a stale pid file, starts every
// goroutine, and blocks until a termination signal or Shutdown request
// finishes the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.checkNotAlreadyRunning(); err != nil {
		return err
	}
	if err := WritePidFile(d.cfg.Paths.PidFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer RemovePidFile(d.cfg.Paths.PidFile)

	ln, err := listener.Listen(d.cfg.Listener)
	if err != nil {
		return err
	}
	d.ln = ln
	defer func() {
		ln.Close()
		listener.Cleanup(d.cfg.Listener)
	}()

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()

	schedDone := make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(schedDone)
		d.sched.Run(schedCtx)
	}()

	d.hub.Run(schedCtx)
	defer d.hub.Stop()

	if d.cfg.Observe.Enabled {
		d.startObserveServer()
		defer d.stopObserveServer(ctx)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptLoop()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	// graceful tracks whether we should wait out the scheduler's own
	// drain (shuttingDownAndDrained, §4.9's indefinite grace period)
	// rather than forcing the tick loop to exit immediately.
	graceful := false
	select {
	case <-sigCh:
		logger.Info().Msg("received termination signal, shutting down gracefully")
		d.sched.Submit(scheduler.Instruction{Kind: scheduler.InstrShutdown, Shutdown: state.ShutdownGraceful})
		graceful = true
	case <-schedDone:
		// the scheduler stopped itself, e.g. an emergency shutdown
		// triggered internally by a persistence failure.
	case <-ctx.Done():
	}

	close(d.stopAccept)
	ln.Close()

	if !graceful {
		select {
		case <-schedDone:
		default:
			d.sched.Stop()
		}
	}
	<-schedDone

	d.wg.Wait()

	return nil
}

func (d *Daemon) checkNotAlreadyRunning() error {
	pid, err := ReadPidFile(d.cfg.Paths.PidFile)
	if err != nil {
		return nil
	}
	if supervisor.ProcessExists(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	return nil
}

// acceptLoop accepts connections until stopAccept is closed, handing each
// one to the dispatcher on its own goroutine (§5: "each such task is
// short-lived and borrows the state lock only for the duration of a
// single request handler").
func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			select {
			case <-d.stopAccept:
				return
			default:
				logger.WithComponent("listener").Warn().Err(err).Msg("accept failed")
				continue
			}
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.disp.Handle(conn)
		}()
	}
}

// startObserveServer exposes /metrics and the observability websocket
// under cfg.Observe.Addr, entirely outside the core wire protocol.
func (d *Daemon) startObserveServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.NewHandler(d.hub).ServeWS)

	d.httpSrv = &http.Server{Addr: d.cfg.Observe.Addr, Handler: mux}
	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("observability server failed")
		}
	}()
	logger.Info().Str("addr", d.cfg.Observe.Addr).Msg("observability server listening")
}

func (d *Daemon) stopObserveServer(ctx context.Context) {
	if d.httpSrv == nil {
		return
	}
	_ = d.httpSrv.Shutdown(ctx)
}
