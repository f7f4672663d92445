package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gr-harness/grh/internal/events"
)

// Option configures Notifier construction.
type Option func(*Notifier)

// WithLogger configures the logger used for shutdown reporting.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithBus configures the event bus shutdown requests are published to.
func WithBus(bus events.Bus) Option {
	return func(n *Notifier) {
		n.bus = bus
	}
}

// WithExit overrides the process exit function.
func WithExit(exit func(code int)) Option {
	return func(n *Notifier) {
		n.exit = exit
	}
}

// WithNotify overrides signal registration, for tests that feed signals
// directly instead of raising them process-wide.
func WithNotify(notify func(ch chan<- os.Signal, sigs ...os.Signal)) Option {
	return func(n *Notifier) {
		n.notify = notify
	}
}

// Notifier owns a signal subscription for one environment instance. On
// SIGINT or SIGTERM it runs the close callback synchronously, then exits
// non-zero. Each instance registers its own channel, so two environments in
// one process shut down independently.
type Notifier struct {
	closeFn func()
	logger  *log.Logger
	bus     events.Bus
	exit    func(code int)
	notify  func(ch chan<- os.Signal, sigs ...os.Signal)

	mu      sync.Mutex
	signals chan os.Signal
	done    chan struct{}
	stopped bool
}

// Start registers the notifier for SIGINT and SIGTERM and begins watching.
// closeFn must be safe to call while the environment is in any state.
func Start(closeFn func(), options ...Option) *Notifier {
	n := &Notifier{
		closeFn: closeFn,
		exit:    os.Exit,
		notify:  signal.Notify,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(n)
	}

	n.notify(n.signals, syscall.SIGINT, syscall.SIGTERM)
	go n.watch()
	return n
}

func (n *Notifier) watch() {
	select {
	case sig := <-n.signals:
		n.handle(sig)
	case <-n.done:
	}
}

func (n *Notifier) handle(sig os.Signal) {
	if n.logger != nil {
		n.logger.Warn("shutdown signal received", "signal", sig.String())
	}
	if n.bus != nil {
		n.bus.Publish(events.Event{
			Type:       events.EventTypeShutdownRequested,
			Timestamp:  time.Now(),
			EntityType: "environment",
			Payload:    sig.String(),
			Severity:   events.SeverityWarn,
		})
	}

	if n.closeFn != nil {
		n.closeFn()
	}
	n.exit(1)
}

// Stop unregisters the notifier. Safe to call more than once; after Stop a
// delivered signal falls back to default process handling.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	signal.Stop(n.signals)
	close(n.done)
}
