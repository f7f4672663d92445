package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gr-harness/grh/internal/events"
)

// DefaultBackoff is the fixed wait between connect attempts.
const DefaultBackoff = 10 * time.Second

const (
	autoStartWaitMessage = "Waiting for the flowgraph to start. This should happen automatically."
	remoteWaitMessage    = "Waiting for the flowgraph to start. Please start it on the remote machine now."
)

// ConnectorOption configures Connector construction.
type ConnectorOption func(*Connector)

// WithBackoff overrides the fixed wait between attempts.
func WithBackoff(backoff time.Duration) ConnectorOption {
	return func(connector *Connector) {
		if backoff > 0 {
			connector.backoff = backoff
		}
	}
}

// WithMessageWriter redirects user-facing wait messages (default stdout).
func WithMessageWriter(writer io.Writer) ConnectorOption {
	return func(connector *Connector) {
		if writer != nil {
			connector.messages = writer
		}
	}
}

// WithConnectorLogger configures structured logging for connect attempts.
func WithConnectorLogger(logger *log.Logger) ConnectorOption {
	return func(connector *Connector) {
		connector.logger = logger
	}
}

// WithConnectorBus configures the event bus notified on connection.
func WithConnectorBus(bus events.Bus) ConnectorOption {
	return func(connector *Connector) {
		connector.bus = bus
	}
}

// WithSleep overrides the inter-attempt wait (used by tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ConnectorOption {
	return func(connector *Connector) {
		if sleep != nil {
			connector.sleep = sleep
		}
	}
}

// Connector establishes the bridge, retrying while the control server inside
// the flowgraph process has not bound its port yet.
type Connector struct {
	bridge    Bridge
	autoStart bool
	backoff   time.Duration
	messages  io.Writer
	logger    *log.Logger
	bus       events.Bus
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewConnector builds a connector. autoStart selects the wait message shown
// to the user: the harness either starts the flowgraph itself or expects a
// remote operator to do it.
func NewConnector(b Bridge, autoStart bool, options ...ConnectorOption) *Connector {
	connector := &Connector{
		bridge:    b,
		autoStart: autoStart,
		backoff:   DefaultBackoff,
		messages:  os.Stdout,
		sleep:     sleepContext,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(connector)
	}
	return connector
}

// Connect calls the bridge's Start until it succeeds. Connection refused is
// the expected startup race and retries after a fixed backoff with an
// informative message; any other failure is fatal and returned immediately.
func (c *Connector) Connect(ctx context.Context) error {
	if c.bridge == nil {
		return errors.New("bridge is required")
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.bridge.Start(ctx)
		if err == nil {
			if c.logger != nil {
				c.logger.With("attempt", attempt).Info("bridge connected")
			}
			if c.bus != nil {
				c.bus.Publish(events.Event{
					Type:       events.EventTypeBridgeConnected,
					EntityType: "bridge",
					Severity:   events.SeverityInfo,
					Payload:    attempt,
				})
			}
			return nil
		}

		if !IsConnectionRefused(err) {
			if c.logger != nil {
				c.logger.With("attempt", attempt).Error("bridge start failed", "err", err)
			}
			return fmt.Errorf("connect bridge: %w", err)
		}

		message := remoteWaitMessage
		if c.autoStart {
			message = autoStartWaitMessage
		}
		fmt.Fprintln(c.messages, message)
		if c.logger != nil {
			c.logger.With("attempt", attempt, "backoff", c.backoff.String()).
				Info("control server not ready, retrying")
		}

		if err := c.sleep(ctx, c.backoff); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
