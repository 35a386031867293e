package natsclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/hypernote/call"
	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/query"
)

// DefaultSubjectPrefix is used when no prefix is configured
const DefaultSubjectPrefix = "hypernote"

// Publisher is the part of Client the mirror needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Caller issues function calls received over NATS
type Caller interface {
	Call(ctx context.Context, fn string, args json.RawMessage, target string) (*call.PendingCall, error)
}

// QueryUpdate is published on <prefix>.query.<id> for every replaced record
type QueryUpdate struct {
	QueryID string       `json:"query_id"`
	Record  query.Record `json:"record"`
	Slots   []query.Slot `json:"slots,omitempty"`
	Time    time.Time    `json:"time"`
}

// CallRequest is accepted on <prefix>.call
type CallRequest struct {
	Function string          `json:"fn"`
	Args     json.RawMessage `json:"args,omitempty"`
	Target   string          `json:"target,omitempty"`
}

// Mirror forwards query store changes to NATS and, with a caller, turns
// messages on <prefix>.call into correlated calls
type Mirror struct {
	pub    Publisher
	store  *query.Store
	caller Caller
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	cancel func()
}

// MirrorOption configures a Mirror
type MirrorOption func(*Mirror)

// WithMirrorLogger sets the structured logger
func WithMirrorLogger(logger *slog.Logger) MirrorOption {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCaller enables call intake on <prefix>.call
func WithCaller(caller Caller) MirrorOption {
	return func(m *Mirror) {
		m.caller = caller
	}
}

// NewMirror creates a mirror. An empty prefix uses DefaultSubjectPrefix.
func NewMirror(pub Publisher, store *query.Store, prefix string, opts ...MirrorOption) *Mirror {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	m := &Mirror{
		pub:    pub,
		store:  store,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "nats-mirror")
	return m
}

// QuerySubject returns the subject updates of queryID are published on.
// Characters with meaning in NATS subjects are replaced by underscores.
func (m *Mirror) QuerySubject(queryID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, queryID)
	return m.prefix + ".query." + token
}

// CallSubject returns the subject call requests are accepted on
func (m *Mirror) CallSubject() string {
	return m.prefix + ".call"
}

// Start registers the store listener and the call intake
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Mirror", "Start", "check state")
	}

	if m.caller != nil {
		if err := m.pub.Subscribe(ctx, m.CallSubject(), m.handleCall); err != nil {
			return errors.WrapTransient(err, "Mirror", "Start", "subscribe call subject")
		}
	}
	m.cancel = m.store.OnChange(m.forward)
	m.logger.Info("Mirroring query updates", "prefix", m.prefix, "call_intake", m.caller != nil)
	return nil
}

// Stop removes the store listener
func (m *Mirror) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Mirror) forward(queryID string, rec query.Record) {
	data, err := json.Marshal(QueryUpdate{
		QueryID: queryID,
		Record:  rec,
		Slots:   m.store.Slots(queryID),
		Time:    time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("Encode query update failed", "query_id", queryID, "error", err)
		return
	}

	subject := m.QuerySubject(queryID)
	if err := m.pub.Publish(context.Background(), subject, data); err != nil {
		m.logger.Warn("Mirror publish failed", "subject", subject, "error", err)
	}
}

func (m *Mirror) handleCall(ctx context.Context, data []byte) {
	var req CallRequest
	if err := json.Unmarshal(data, &req); err != nil {
		m.logger.Warn("Invalid call request", "error", err)
		return
	}
	if req.Function == "" {
		m.logger.Warn("Call request without fn")
		return
	}

	pc, err := m.caller.Call(ctx, req.Function, req.Args, req.Target)
	if err != nil {
		m.logger.Error("Call from NATS failed", "function", req.Function, "error", err)
		return
	}
	m.logger.Info("Call from NATS submitted", "function", req.Function, "call_id", pc.ID)
}
