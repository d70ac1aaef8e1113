package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// connQueueSize bounds the per-connection outbound queue. A consumer
	// that falls this far behind is evicted rather than reordered.
	connQueueSize = 64

	connSendTimeout = 10 * time.Second
)

// Sink delivers encoded server messages to one transport connection.
type Sink interface {
	Send(ctx context.Context, msg ServerMessage) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg ServerMessage) error

func (f SinkFunc) Send(ctx context.Context, msg ServerMessage) error {
	return f(ctx, msg)
}

// Conn is one observer registered to an agent. Messages enqueued under the
// agent's mutex are drained by a single writer goroutine, so every
// connection sees mutations in the order they were applied.
type Conn struct {
	id    string
	sink  Sink
	queue chan ServerMessage
	done  chan struct{}
	once  sync.Once
}

func newConn(sink Sink) *Conn {
	return &Conn{
		id:    uuid.NewString(),
		sink:  sink,
		queue: make(chan ServerMessage, connQueueSize),
		done:  make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// enqueue adds a message to the outbound queue. It must be called under the
// agent's mutex. A full queue means the consumer is too slow; the caller
// evicts it.
func (c *Conn) enqueue(msg ServerMessage) bool {
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop drains the queue into the sink until the connection is closed or
// a send fails.
func (c *Conn) writeLoop(a *Agent) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), connSendTimeout)
			err := c.sink.Send(ctx, msg)
			cancel()
			if err != nil {
				a.logger.Debug("connection send failed, evicting",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
				a.Disconnect(c.id)
				return
			}
		}
	}
}
