package document

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
)

// QueryDirective is the parsed attribute set of a query node
type QueryDirective struct {
	ID            string
	Kind          int
	Discriminator string
	Authors       []string
	Limit         int
}

// ParseQuery reads id, kind, d, authors and limit. A missing id or a
// non-numeric kind is an invalid filter; a non-numeric limit is ignored.
func ParseQuery(attrs map[string]string) (QueryDirective, error) {
	q := QueryDirective{
		ID:            strings.TrimPrefix(strings.TrimSpace(attrs["id"]), "#"),
		Discriminator: attrs["d"],
	}
	if q.ID == "" {
		return q, errors.WrapInvalid(fmt.Errorf("%w: query without id", errors.ErrInvalidFilter),
			"document", "ParseQuery", "read id")
	}

	kind, err := strconv.Atoi(strings.TrimSpace(attrs["kind"]))
	if err != nil {
		return q, errors.WrapInvalid(fmt.Errorf("%w: kind %q of query %s", errors.ErrInvalidFilter, attrs["kind"], q.ID),
			"document", "ParseQuery", "read kind")
	}
	q.Kind = kind

	if raw := attrs["authors"]; raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				q.Authors = append(q.Authors, a)
			}
		}
	}

	if raw := attrs["limit"]; raw != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			q.Limit = n
		}
	}
	return q, nil
}

// Filter builds the relay filter of the query
func (q QueryDirective) Filter() event.Filter {
	f := event.Filter{
		Kinds:   []int{q.Kind},
		Authors: q.Authors,
		Limit:   q.Limit,
	}
	if q.Discriminator != "" {
		f = f.WithTag("d", q.Discriminator)
	}
	return f
}

// ActionDirective is the parsed attribute set of an action node
type ActionDirective struct {
	ID       string
	Label    string
	Function string
	Args     string
	Target   string
	Kind     int
	Content  string
	Tags     event.Tags
}

// ParseAction reads fn, args, target, kind and content. Every attribute
// whose key starts with "d" becomes a tag for direct publishing. The label
// is the text of the node's children.
func ParseAction(n *Node) (ActionDirective, error) {
	a := ActionDirective{
		ID:       n.Attr("id"),
		Label:    n.Text(),
		Function: n.Attr("fn"),
		Args:     n.Attr("args"),
		Target:   n.Attr("target"),
		Content:  n.Attr("content"),
	}
	if a.Label == "" {
		a.Label = "Button"
	}
	if strings.TrimSpace(a.Args) == "" {
		a.Args = "{}"
	}

	if raw := n.Attr("kind"); raw != "" {
		kind, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return a, errors.WrapInvalid(fmt.Errorf("%w: kind %q", errors.ErrInvalidArguments, raw),
				"document", "ParseAction", "read kind")
		}
		a.Kind = kind
	}

	keys := make([]string, 0, len(n.Attributes))
	for key := range n.Attributes {
		if strings.HasPrefix(key, "d") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		a.Tags = append(a.Tags, event.Tag{key, n.Attributes[key]})
	}
	return a, nil
}

// TargetQuery returns the query id the action is scoped to
func (a ActionDirective) TargetQuery() string {
	return strings.TrimPrefix(a.Target, "#")
}
