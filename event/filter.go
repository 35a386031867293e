package event

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/c360/hypernote/errors"
)

// Filter selects events on a relay. Tag constraints are keyed by the single
// letter tag name and serialize as "#<letter>".
type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// WithTag returns a copy of the filter with an equality constraint on a tag.
func (f Filter) WithTag(key string, values ...string) Filter {
	tags := make(map[string][]string, len(f.Tags)+1)
	for k, v := range f.Tags {
		tags[k] = v
	}
	tags[key] = append([]string(nil), values...)
	f.Tags = tags
	return f
}

// WithSince returns a copy of the filter bounded below by ts.
func (f Filter) WithSince(ts int64) Filter {
	f.Since = &ts
	return f
}

// Validate rejects filters a relay would refuse or that can never match.
func (f Filter) Validate() error {
	for _, k := range f.Kinds {
		if k < 0 || k > 65535 {
			return errors.WrapInvalid(fmt.Errorf("%w: kind %d out of range", errors.ErrInvalidFilter, k),
				"Filter", "Validate", "check kinds")
		}
	}
	for key := range f.Tags {
		if len(key) != 1 {
			return errors.WrapInvalid(fmt.Errorf("%w: tag key %q must be a single letter", errors.ErrInvalidFilter, key),
				"Filter", "Validate", "check tags")
		}
	}
	if f.Limit < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative limit", errors.ErrInvalidFilter),
			"Filter", "Validate", "check limit")
	}
	return nil
}

// Matches reports whether ev satisfies every constraint of the filter.
func (f Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		found := false
		for _, v := range ev.Tags.Values(key) {
			if slices.Contains(values, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

// MarshalJSON encodes the filter in relay wire form.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 6+len(f.Tags))
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	for key, values := range f.Tags {
		m["#"+key] = values
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the relay wire form.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "since":
			var ts int64
			err = json.Unmarshal(value, &ts)
			f.Since = &ts
		case key == "until":
			var ts int64
			err = json.Unmarshal(value, &ts)
			f.Until = &ts
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#"):
			var values []string
			err = json.Unmarshal(value, &values)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

// String renders a stable description for logs.
func (f Filter) String() string {
	var parts []string
	if len(f.Kinds) > 0 {
		parts = append(parts, fmt.Sprintf("kinds=%v", f.Kinds))
	}
	if len(f.Authors) > 0 {
		parts = append(parts, fmt.Sprintf("authors=%d", len(f.Authors)))
	}
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("#%s=%v", k, f.Tags[k]))
	}
	if f.Since != nil {
		parts = append(parts, fmt.Sprintf("since=%d", *f.Since))
	}
	if f.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", f.Limit))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
