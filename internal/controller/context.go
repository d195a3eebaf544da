package controller

import (
	"fmt"

	"github.com/stevedore-sh/stevedore/models"
)

// eventBuffer bounds the progress queue of one operation. The streamer
// drains concurrently; the bound only matters when a client stalls.
const eventBuffer = 256

// Context is the progress channel of one long-running controller
// operation. The operation's worker enqueues structured events; the
// response streamer drains them in enqueue order until the sentinel.
//
// A Context belongs to exactly one operation and is passed explicitly
// through the call graph. Cintf points back to the operation's controller
// interface so plugins invoked from a hook can re-enter the controller.
type Context struct {
	events  chan models.Event
	discard bool

	// Cintf is the controller interface of the running operation.
	Cintf *Interface
}

// NewContext creates a context whose events are consumed via Events().
func NewContext() *Context {
	return &Context{events: make(chan models.Event, eventBuffer)}
}

// NewDiscardContext creates a context that drops all events. Used for
// operations without a client, like the first-run bootstrap.
func NewDiscardContext() *Context {
	return &Context{discard: true}
}

// Events is the stream side of the context.
func (c *Context) Events() <-chan models.Event {
	return c.events
}

func (c *Context) put(ev models.Event) {
	if c.discard {
		return
	}
	c.events <- ev
}

// Job announces a new phase of the operation.
func (c *Context) Job(format string, args ...interface{}) {
	c.put(models.JobEvent(fmt.Sprintf(format, args...)))
}

// Log emits an informational message.
func (c *Context) Log(format string, args ...interface{}) {
	c.put(models.LogEvent(fmt.Sprintf(format, args...)))
}

// Error emits a recoverable-level error message.
func (c *Context) Error(format string, args ...interface{}) {
	c.put(models.ErrorEvent(fmt.Sprintf(format, args...)))
}

// Custom emits a plugin-defined event shape.
func (c *Context) Custom(fields map[string]interface{}) {
	c.put(models.CustomEvent(fields))
}

// Fatal emits the error followed by the stream sentinel.
func (c *Context) Fatal(format string, args ...interface{}) {
	c.Error(format, args...)
	c.Done()
}

// Done terminates the stream.
func (c *Context) Done() {
	if c.discard {
		return
	}
	c.events <- models.DoneEvent()
	close(c.events)
}
