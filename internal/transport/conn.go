package transport

import (
	"sync"

	"github.com/google/uuid"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

// streamConn is the write side of one SSE connection. It satisfies
// registry.Sink: sends never block, a full buffer drops the event.
type streamConn struct {
	id     string
	events chan models.Event

	closeOnce sync.Once
	done      chan struct{}
}

func newStreamConn(buffer int) *streamConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &streamConn{
		id:     uuid.NewString(),
		events: make(chan models.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Send(event models.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- event:
		return true
	default:
		return false
	}
}

// Close wakes the writer loop; it never closes the events channel, so a send
// racing Close cannot panic.
func (c *streamConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *streamConn) Events() <-chan models.Event { return c.events }

func (c *streamConn) Done() <-chan struct{} { return c.done }
