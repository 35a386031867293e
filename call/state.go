package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360/hypernote/event"
)

// State of a pending call
type State int

// Call states. Submitted and Acknowledged are open; the rest are final.
const (
	StateSubmitted State = iota
	StateAcknowledged
	StateResolved
	StateResolvedWithError
	StateTimedOut
	StateCancelled
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateAcknowledged:
		return "acknowledged"
	case StateResolved:
		return "resolved"
	case StateResolvedWithError:
		return "resolved-with-error"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Final reports whether no further transition is possible
func (s State) Final() bool {
	return s >= StateResolved
}

// PendingCall tracks one function call from publish to its final state. It
// is identified by the id of the signed request event.
type PendingCall struct {
	ID             string
	Function       string
	Args           json.RawMessage
	Target         string
	SubscriptionID string
	Created        time.Time

	mu      sync.Mutex
	state   State
	result  string
	err     error
	updated time.Time
	close   func()
	done    chan struct{}
}

func newPendingCall(id, fn string, args json.RawMessage, target string) *PendingCall {
	now := time.Now()
	return &PendingCall{
		ID:             id,
		Function:       fn,
		Args:           args,
		Target:         target,
		SubscriptionID: SubscriptionID(id),
		Created:        now,
		updated:        now,
		done:           make(chan struct{}),
	}
}

// SubscriptionID derives the correlation subscription id from a request id
func SubscriptionID(requestID string) string {
	return "event-" + event.ShortIDOf(requestID)
}

// State returns the current state
func (c *PendingCall) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the result text and the error of a final call
func (c *PendingCall) Result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Done is closed when the call reaches a final state
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// acknowledge moves a submitted call to acknowledged
func (c *PendingCall) acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSubmitted {
		c.state = StateAcknowledged
		c.updated = time.Now()
	}
}

// finish moves the call to a final state once and runs its teardown. It
// reports whether this call made the transition.
func (c *PendingCall) finish(state State, result string, err error) bool {
	c.mu.Lock()
	if c.state.Final() {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.result = result
	c.err = err
	c.updated = time.Now()
	teardown := c.close
	c.close = nil
	c.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	close(c.done)
	return true
}

func (c *PendingCall) setTeardown(fn func()) {
	c.mu.Lock()
	final := c.state.Final()
	if !final {
		c.close = fn
	}
	c.mu.Unlock()

	if final {
		fn()
	}
}

// Snapshot is a point-in-time view of a call
type Snapshot struct {
	ID             string          `json:"id"`
	Function       string          `json:"function"`
	Args           json.RawMessage `json:"args"`
	Target         string          `json:"target,omitempty"`
	SubscriptionID string          `json:"subscription_id"`
	State          State           `json:"state"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Created        time.Time       `json:"created"`
	Updated        time.Time       `json:"updated"`
}

// Snapshot returns a copy of the call's state
func (c *PendingCall) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		ID:             c.ID,
		Function:       c.Function,
		Args:           c.Args,
		Target:         c.Target,
		SubscriptionID: c.SubscriptionID,
		State:          c.state,
		Result:         c.result,
		Created:        c.Created,
		Updated:        c.updated,
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

// Wait blocks until the call is final or ctx is done and returns the
// call's result. A ctx error leaves the call open.
func (c *PendingCall) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
