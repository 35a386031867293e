package document

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/hypernote/call"
	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/notify"
	"github.com/c360/hypernote/query"
	"github.com/c360/hypernote/subscription"
	"github.com/c360/hypernote/template"
)

// Caller issues correlated calls and plain publishes
type Caller interface {
	Call(ctx context.Context, fn string, args json.RawMessage, target string) (*call.PendingCall, error)
	Publish(ctx context.Context, kind int, tags event.Tags, content string) (*event.Event, error)
}

// Binder mounts node trees against a subscription manager and query store
type Binder struct {
	subs     *subscription.Manager
	store    *query.Store
	caller   Caller
	engine   *template.Engine
	notifier notify.Sink
	logger   *slog.Logger
}

// BinderOption configures a Binder
type BinderOption func(*Binder)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) BinderOption {
	return func(b *Binder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithNotifier sets the sink for user-facing notifications
func WithNotifier(sink notify.Sink) BinderOption {
	return func(b *Binder) {
		if sink != nil {
			b.notifier = sink
		}
	}
}

// NewBinder creates a binder. caller may be nil for read-only documents.
func NewBinder(subs *subscription.Manager, store *query.Store, caller Caller, opts ...BinderOption) *Binder {
	b := &Binder{
		subs:     subs,
		store:    store,
		caller:   caller,
		engine:   template.NewEngine(store),
		notifier: notify.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Engine returns the substitution engine over the binder's store
func (b *Binder) Engine() *template.Engine {
	return b.engine
}

// Document is a mounted node tree
type Document struct {
	binder  *Binder
	nodes   []*Node
	queries []string
	slots   []string
	actions []Action

	mu        sync.Mutex
	unmounted bool
}

// Action is a triggerable action of a mounted document
type Action struct {
	ActionDirective
	node *Node
}

// Mount subscribes every query node, registers a slot for every field
// reference in the tree and collects actions. A query node with an invalid
// filter is logged and skipped; the rest of the document still mounts.
// Mount fails only when the subscription manager is closed.
func (b *Binder) Mount(ctx context.Context, nodes []*Node) (*Document, error) {
	doc := &Document{binder: b, nodes: nodes}
	var firstErr error

	Walk(nodes, func(n *Node) bool {
		switch n.Kind {
		case KindQuery:
			if err := doc.mountQuery(ctx, n); err != nil {
				b.logger.Error("Query not mounted", "error", err)
				b.notifier.Notify(notify.LevelError, err.Error())
				if stderrors.Is(err, errors.ErrClosed) && firstErr == nil {
					firstErr = err
				}
			}
		case KindAction:
			doc.addAction(n)
			doc.registerSlots(n.Text())
			for _, key := range []string{"args", "content"} {
				doc.registerSlots(n.Attr(key))
			}
			return false
		case KindText:
			doc.registerSlots(n.Value)
		}
		return true
	})

	if firstErr != nil {
		doc.Unmount()
		return nil, firstErr
	}
	b.logger.Info("Document mounted",
		"queries", len(doc.queries),
		"slots", len(doc.slots),
		"actions", len(doc.actions),
	)
	return doc, nil
}

func (d *Document) mountQuery(ctx context.Context, n *Node) error {
	b := d.binder
	q, err := ParseQuery(n.Attributes)
	if err != nil {
		return err
	}
	filter := q.Filter()
	if err := filter.Validate(); err != nil {
		return errors.WrapInvalid(err, "Binder", "Mount", "validate filter of "+q.ID)
	}

	b.store.Bind(q.ID, query.Binding{Kind: q.Kind, Discriminator: q.Discriminator})

	queryID := q.ID
	logger := b.logger.With("query_id", queryID)
	_, err = b.subs.Subscribe(ctx, queryID, filter, func(url string, ev *event.Event) {
		logger.Debug("Query event", "relay", url, "event_id", ev.ShortID())
		b.store.SetQueryResult(queryID, query.RecordFromEvent(ev))
	})
	if err != nil {
		return err
	}
	d.queries = append(d.queries, queryID)
	logger.Debug("Query mounted", "filter", filter.String())
	return nil
}

func (d *Document) registerSlots(raw string) {
	for _, ref := range template.References(raw) {
		if ref.Field == "" {
			continue
		}
		id := query.NewSlotID()
		d.binder.store.RegisterSlot(id, ref.QueryID, ref.Field)
		d.slots = append(d.slots, id)
	}
}

func (d *Document) addAction(n *Node) {
	a, err := ParseAction(n)
	if err != nil {
		d.binder.logger.Warn("Action kind ignored", "error", err)
	}
	if a.ID == "" {
		a.ID = fmt.Sprintf("action-%d", len(d.actions)+1)
	}
	d.actions = append(d.actions, Action{ActionDirective: a, node: n})
}

// Queries lists the ids of the mounted queries in document order
func (d *Document) Queries() []string {
	return append([]string(nil), d.queries...)
}

// Slots returns the current state of the document's slots
func (d *Document) Slots() []query.Slot {
	out := make([]query.Slot, 0, len(d.slots))
	for _, id := range d.slots {
		if slot, ok := d.binder.store.Slot(id); ok {
			out = append(out, slot)
		}
	}
	return out
}

// Actions lists the document's actions in document order
func (d *Document) Actions() []Action {
	return append([]Action(nil), d.actions...)
}

// Action finds an action by id
func (d *Document) Action(id string) (Action, bool) {
	for _, a := range d.actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Outcome is what triggering an action produced: a pending call, or the
// event published directly
type Outcome struct {
	Call  *call.PendingCall
	Event *event.Event
}

// Trigger runs an action. With fn set, args are substituted against the
// target query and must be valid JSON before anything is sent. Without fn,
// an action with a kind publishes its content and d-prefixed tags directly.
func (d *Document) Trigger(ctx context.Context, actionID string) (Outcome, error) {
	a, ok := d.Action(actionID)
	if !ok {
		return Outcome{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownAction, actionID),
			"Document", "Trigger", "find action")
	}
	b := d.binder
	if b.caller == nil {
		return Outcome{}, errors.WrapFatal(errors.ErrMissingConfig, "Document", "Trigger", "caller required")
	}

	switch {
	case a.Function != "":
		args, err := b.engine.Args(a.Args, a.TargetQuery())
		if err != nil {
			b.logger.Error("Action arguments invalid", "action", a.ID, "error", err)
			b.notifier.Notify(notify.LevelError, "Failed to parse button arguments")
			return Outcome{}, err
		}
		b.notifier.Notify(notify.LevelSuccess, fmt.Sprintf("Calling %s with args: %s", a.Function, args))
		pc, err := b.caller.Call(ctx, a.Function, args, a.Target)
		if err != nil {
			b.notifier.Notify(notify.LevelError, fmt.Sprintf("Error calling %s: %v", a.Function, err))
			return Outcome{}, err
		}
		return Outcome{Call: pc}, nil

	case a.Kind != 0:
		content := b.engine.Text(a.Content)
		b.notifier.Notify(notify.LevelSuccess, fmt.Sprintf("Publishing event kind %d", a.Kind))
		ev, err := b.caller.Publish(ctx, a.Kind, a.Tags, content)
		if err != nil {
			b.notifier.Notify(notify.LevelError, fmt.Sprintf("Error publishing event: %v", err))
			return Outcome{}, err
		}
		return Outcome{Event: ev}, nil
	}

	b.notifier.Notify(notify.LevelError, "No function or kind provided")
	return Outcome{}, errors.WrapInvalid(fmt.Errorf("%w: action %s has neither fn nor kind", errors.ErrInvalidArguments, a.ID),
		"Document", "Trigger", "select action")
}

// Unmount closes the document's query subscriptions, drops their records
// and unregisters its slots. It is idempotent.
func (d *Document) Unmount() {
	d.mu.Lock()
	if d.unmounted {
		d.mu.Unlock()
		return
	}
	d.unmounted = true
	d.mu.Unlock()

	b := d.binder
	for _, id := range d.queries {
		b.subs.Close(id)
		b.store.Forget(id)
	}
	for _, id := range d.slots {
		b.store.UnregisterSlot(id)
	}
	b.logger.Debug("Document unmounted", "queries", len(d.queries))
}
