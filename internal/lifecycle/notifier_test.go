package lifecycle

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gr-harness/grh/internal/events"
)

// collectorBus records published events without delivering them anywhere.
type collectorBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *collectorBus) Subscribe(eventType string, handler events.Handler) {}
func (b *collectorBus) SubscribeAll(handler events.Handler)                {}

func (b *collectorBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *collectorBus) byType(eventType string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []events.Event
	for _, event := range b.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func startForTest(t *testing.T, closeFn func(), bus events.Bus) (*Notifier, chan os.Signal, chan int) {
	t.Helper()

	var delivered chan os.Signal
	exited := make(chan int, 1)

	n := Start(closeFn,
		WithBus(bus),
		WithNotify(func(ch chan<- os.Signal, sigs ...os.Signal) {
			delivered = make(chan os.Signal, 1)
			go func() {
				for sig := range delivered {
					ch <- sig
				}
			}()
		}),
		WithExit(func(code int) {
			exited <- code
		}),
	)
	t.Cleanup(n.Stop)
	return n, delivered, exited
}

func TestSignalRunsCloseThenExitsNonZero(t *testing.T) {
	var order []string
	var mu sync.Mutex
	bus := &collectorBus{}

	_, signals, exited := startForTest(t, func() {
		mu.Lock()
		order = append(order, "close")
		mu.Unlock()
	}, bus)

	signals <- syscall.SIGTERM

	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notifier never exited after signal")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "close" {
		t.Errorf("close callback calls = %v, want exactly one before exit", order)
	}
}

func TestSignalPublishesShutdownRequested(t *testing.T) {
	bus := &collectorBus{}
	_, signals, exited := startForTest(t, func() {}, bus)

	signals <- syscall.SIGINT
	<-exited

	requested := bus.byType(events.EventTypeShutdownRequested)
	if len(requested) != 1 {
		t.Fatalf("ShutdownRequested events = %d, want 1", len(requested))
	}
	if requested[0].Severity != events.SeverityWarn {
		t.Errorf("severity = %q, want %q", requested[0].Severity, events.SeverityWarn)
	}
}

func TestStopPreventsHandling(t *testing.T) {
	closed := make(chan struct{}, 1)
	n, signals, exited := startForTest(t, func() {
		closed <- struct{}{}
	}, &collectorBus{})

	n.Stop()
	n.Stop() // idempotent

	select {
	case signals <- syscall.SIGTERM:
	default:
	}

	select {
	case <-closed:
		t.Fatal("close callback ran after Stop")
	case code := <-exited:
		t.Fatalf("exit(%d) ran after Stop", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTwoNotifiersIndependent(t *testing.T) {
	busA := &collectorBus{}
	busB := &collectorBus{}

	closedA := make(chan struct{}, 1)
	_, signalsA, exitedA := startForTest(t, func() { closedA <- struct{}{} }, busA)

	closedB := make(chan struct{}, 1)
	nB, _, _ := startForTest(t, func() { closedB <- struct{}{} }, busB)
	nB.Stop()

	signalsA <- syscall.SIGTERM
	<-exitedA
	<-closedA

	select {
	case <-closedB:
		t.Fatal("stopped notifier closed its environment")
	case <-time.After(100 * time.Millisecond):
	}
}
