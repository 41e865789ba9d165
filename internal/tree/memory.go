package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore keeps the tree as disjoint (path, JSON) rows behind one mutex.
// Rows never overlap: writing below an existing document first explodes that
// document into per-key rows, so every mutation touches exactly one row.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]json.RawMessage
	keys   *keyGen
	bcast  *broadcaster
	nowFn  func() time.Time
	closed bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		rows:  make(map[string]json.RawMessage),
		bcast: newBroadcaster(),
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.keys = newKeyGen(s.nowFn)
	return s
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bcast.closeAll(ErrClosed)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.getLocked(path), nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if isJSONNull(raw) {
		return s.Delete(ctx, path)
	}
	return s.write(ctx, path, raw, false)
}

func (s *MemoryStore) Create(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	if isJSONNull(raw) {
		return fmt.Errorf("create with null value")
	}
	return s.write(ctx, path, raw, true)
}

func (s *MemoryStore) write(ctx context.Context, path string, raw json.RawMessage, mustBeAbsent bool) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot write the root", ErrInvalidPath)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if mustBeAbsent && s.getLocked(path) != nil {
		return ErrExists
	}
	s.setLocked(path, raw)
	s.publishLocked(path, raw)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot update the root", ErrInvalidPath)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	merged, err := mergeFields(s.getLocked(path), fields)
	if err != nil {
		return err
	}
	s.setLocked(path, merged)
	s.publishLocked(path, merged)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot delete the root", ErrInvalidPath)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.deleteLocked(path)
	s.publishLocked(path, nil)
	return nil
}

func (s *MemoryStore) Push(ctx context.Context, collection string, value any) (string, error) {
	collection, err := CleanPath(collection)
	if err != nil {
		return "", err
	}
	if collection == "" {
		return "", fmt.Errorf("%w: push requires a collection path", ErrInvalidPath)
	}
	key := s.keys.next()
	if err := s.Set(ctx, collection+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sub := s.bcast.subscribe(path, s.getLocked(path))
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (s *MemoryStore) publishLocked(path string, data json.RawMessage) {
	s.bcast.publish(path, data, s.getLocked)
}

func (s *MemoryStore) getLocked(path string) json.RawMessage {
	if raw, ok := s.rows[path]; ok && path != "" {
		return append(json.RawMessage(nil), raw...)
	}
	if anc, doc, ok := s.ancestorLocked(path); ok {
		return descend(doc, strings.TrimPrefix(path, anc+"/"))
	}

	sub := map[string]json.RawMessage{}
	prefix := path + "/"
	if path == "" {
		prefix = ""
	}
	for p, raw := range s.rows {
		if path == "" || strings.HasPrefix(p, prefix) {
			sub[p] = raw
		}
	}
	return assemble(path, sub)
}

// ancestorLocked finds the row strictly above path, if any. Rows are
// disjoint, so there is at most one.
func (s *MemoryStore) ancestorLocked(path string) (string, json.RawMessage, bool) {
	for anc := parentPath(path); ; anc = parentPath(anc) {
		if anc == "" {
			return "", nil, false
		}
		if raw, ok := s.rows[anc]; ok {
			return anc, raw, true
		}
	}
}

func (s *MemoryStore) setLocked(path string, raw json.RawMessage) {
	s.explodeCovering(path)
	prefix := path + "/"
	for p := range s.rows {
		if strings.HasPrefix(p, prefix) {
			delete(s.rows, p)
		}
	}
	s.rows[path] = append(json.RawMessage(nil), raw...)
}

func (s *MemoryStore) deleteLocked(path string) {
	s.explodeCovering(path)
	delete(s.rows, path)
	prefix := path + "/"
	for p := range s.rows {
		if strings.HasPrefix(p, prefix) {
			delete(s.rows, p)
		}
	}
}

// explodeCovering splits any document row above path into per-key rows until
// no row covers path from above.
func (s *MemoryStore) explodeCovering(path string) {
	for {
		anc, doc, ok := s.ancestorLocked(path)
		if !ok {
			return
		}
		delete(s.rows, anc)
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(doc, &obj); err != nil {
			// Scalar above path: the write below replaces it entirely.
			return
		}
		for k, v := range obj {
			if isJSONNull(v) {
				continue
			}
			s.rows[anc+"/"+k] = v
		}
	}
}

func parentPath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func mergeFields(current json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if current != nil {
		if err := json.Unmarshal(current, &obj); err != nil {
			// Updating a scalar replaces it with an object.
			obj = map[string]json.RawMessage{}
		}
	}
	for k, v := range fields {
		raw, err := marshalValue(v)
		if err != nil {
			return nil, err
		}
		if isJSONNull(raw) {
			delete(obj, k)
			continue
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
