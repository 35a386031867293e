package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
)

const writeTimeout = 10 * time.Second

// Conn is a single websocket connection to a relay. One read loop decodes
// frames; OK frames complete pending publishes and every other frame is
// passed to the dispatch function in arrival order.
type Conn struct {
	url      string
	ws       *websocket.Conn
	logger   *slog.Logger
	dispatch func(url string, msg event.RelayMessage)

	writeMu sync.Mutex

	okMu      sync.Mutex
	okWaiters map[string]chan *event.OKMessage

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a connection to url, bounded by timeout.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, timeout time.Duration,
	logger *slog.Logger, dispatch func(string, event.RelayMessage)) (*Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ws, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrConnectionTimeout, url), "Conn", "Dial", "connect")
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrRelayUnreachable, err), "Conn", "Dial", "connect")
	}

	c := &Conn{
		url:       url,
		ws:        ws,
		logger:    logger.With("relay", url),
		dispatch:  dispatch,
		okWaiters: make(map[string]chan *event.OKMessage),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// URL returns the relay address
func (c *Conn) URL() string {
	return c.url
}

// Done is closed when the connection is lost or closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is open
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Send writes one text frame
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return errors.WrapTransient(errors.ErrNotConnected, "Conn", "Send", "write frame")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(err)
		return errors.WrapTransient(err, "Conn", "Send", "write frame")
	}
	return nil
}

// Publish sends ev and waits for the relay's OK. A rejection is returned as
// ErrEventRejected carrying the relay's reason.
func (c *Conn) Publish(ctx context.Context, ev *event.Event) error {
	waiter := make(chan *event.OKMessage, 1)

	c.okMu.Lock()
	c.okWaiters[ev.ID] = waiter
	c.okMu.Unlock()
	defer func() {
		c.okMu.Lock()
		delete(c.okWaiters, ev.ID)
		c.okMu.Unlock()
	}()

	frame, err := event.EncodePublish(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Conn", "Publish", "encode event")
	}
	if err := c.Send(frame); err != nil {
		return err
	}

	select {
	case ok := <-waiter:
		if !ok.Accepted {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %s", errors.ErrEventRejected, c.url, ok.Reason),
				"Conn", "Publish", "relay acknowledgement")
		}
		return nil
	case <-c.done:
		return errors.WrapTransient(errors.ErrNotConnected, "Conn", "Publish", "await acknowledgement")
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Conn", "Publish", "await acknowledgement")
	}
}

// Close closes the websocket and ends the read loop
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(errors.ErrClosed)
	return nil
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		msg, err := event.ParseRelayMessage(data)
		if err != nil {
			c.logger.Debug("Dropping malformed relay frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *event.OKMessage:
			c.okMu.Lock()
			waiter, ok := c.okWaiters[m.EventID]
			c.okMu.Unlock()
			if ok {
				select {
				case waiter <- m:
				default:
				}
			}
		case *event.NoticeMessage:
			c.logger.Info("Relay notice", "notice", m.Message)
		case *event.AuthMessage:
			c.logger.Debug("Ignoring relay auth challenge")
		default:
			if c.dispatch != nil {
				c.dispatch(c.url, msg)
			}
		}
	}
}
