// Package tree implements the shared mutable JSON tree the fleet coordinates
// through. Entities live at slash-separated paths; every cross-process
// interaction (device presence, route delivery, call correlation) is a
// conditional read or write against this tree, never a direct connection.
package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid tree path")
	ErrExists      = errors.New("value already exists")
	ErrClosed      = errors.New("store closed")
)

// Event is a single change notification. Path is relative to the subscribed
// path ("/" for the subscription root). Data is the new value at that path,
// nil when the value was deleted.
type Event struct {
	Path string
	Data json.RawMessage
}

// Subscription is a long-lived change feed. The first event is always a full
// snapshot of the subscribed path. Events stops when the subscription is
// closed or the subscriber falls too far behind; Err reports why.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close()
}

// Store is the entity store adapter. Values are anything that marshals to
// JSON; reads return raw JSON (nil when the path is empty). All operations
// are atomic per call.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value any) error
	// Create writes value only if the path is currently empty and returns
	// ErrExists otherwise. This is the conditional write the single-response
	// invariant rests on.
	Create(ctx context.Context, path string, value any) error
	// Update merges fields into the object at path, creating it if absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// Push appends value under collection with a generated time-ordered key
	// and returns the key.
	Push(ctx context.Context, collection string, value any) (string, error)
	Subscribe(ctx context.Context, path string) (Subscription, error)
}

// CleanPath normalizes a tree path to "a/b/c" form.
func CleanPath(path string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", nil
	}
	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return strings.Join(segments, "/"), nil
}

// isUnder reports whether child equals parent or lives beneath it. The empty
// string is the tree root and contains everything.
func isUnder(parent, child string) bool {
	if parent == "" {
		return true
	}
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// relPath returns child relative to parent in subscription event form:
// "/" when equal, "/x/y" when nested.
func relPath(parent, child string) string {
	if child == parent {
		return "/"
	}
	if parent == "" {
		return "/" + child
	}
	return "/" + strings.TrimPrefix(child, parent+"/")
}

func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw JSON value")
		}
		return append(json.RawMessage(nil), raw...), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// assemble builds the JSON subtree rooted at base from flat (path, value)
// rows. Rows must all live at or under base.
func assemble(base string, rows map[string]json.RawMessage) json.RawMessage {
	if raw, ok := rows[base]; ok {
		return raw
	}
	if len(rows) == 0 {
		return nil
	}

	children := map[string]map[string]json.RawMessage{}
	for p, raw := range rows {
		rel := strings.TrimPrefix(p, base+"/")
		if base == "" {
			rel = p
		}
		head, _, _ := strings.Cut(rel, "/")
		if children[head] == nil {
			children[head] = map[string]json.RawMessage{}
		}
		children[head][p] = raw
	}

	out := make(map[string]json.RawMessage, len(children))
	for head, sub := range children {
		childBase := head
		if base != "" {
			childBase = base + "/" + head
		}
		if v := assemble(childBase, sub); v != nil {
			out[head] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return data
}

// descend resolves a path inside a JSON document, one object key per segment.
func descend(doc json.RawMessage, rel string) json.RawMessage {
	if rel == "" {
		return doc
	}
	for _, seg := range strings.Split(rel, "/") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil
		}
		next, ok := obj[seg]
		if !ok {
			return nil
		}
		doc = next
	}
	return doc
}
