// Package memstore is an in-memory document store implementing the store
// contract. It applies $inc and $set on dotted field paths with the same
// type rules as MongoDB, so the engine behaves identically against it.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gamestats-mongo/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store holds collections in memory
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	unique      map[string][]string
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		unique:      make(map[string][]string),
	}
}

// Collection returns a named collection, creating it on first use
func (s *Store) Collection(name string) store.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &collection{store: s, name: name}
		s.collections[name] = c
	}
	return c
}

// EnsureIndexes registers the unique subject keys
func (s *Store) EnsureIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unique[store.PlayersCollection] = []string{"uuid"}
	s.unique[store.PlayerStatsCollection] = []string{"uuid", "namespace"}
	s.unique[store.GlobalStatsCollection] = []string{"namespace"}
	return nil
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *Store) Close(ctx context.Context) error {
	return nil
}

type collection struct {
	store *Store
	name  string
	docs  []bson.D
}

func (c *collection) FindOne(ctx context.Context, filter bson.D) (bson.Raw, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	want, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	i := c.indexOf(want)
	if i < 0 {
		return nil, fmt.Errorf("find one %s: %w", c.name, store.ErrNoDocuments)
	}
	return bson.Marshal(c.docs[i])
}

func (c *collection) Find(ctx context.Context, filter bson.D) ([]bson.Raw, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	want, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	var out []bson.Raw
	for _, doc := range c.docs {
		if !matches(doc, want) {
			continue
		}
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// InsertOne stores the document with its fields in order. A missing _id is
// generated and placed first, as MongoDB does.
func (c *collection) InsertOne(ctx context.Context, document any) (any, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	doc, err := normalize(document)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", c.name, err)
	}
	id, ok := lookup(doc, "_id")
	if !ok {
		id = primitive.NewObjectID()
		doc = append(bson.D{{Key: "_id", Value: id}}, doc...)
	}
	if c.duplicates(doc) {
		return nil, fmt.Errorf("insert %s: %w", c.name, store.ErrDuplicateKey)
	}
	c.docs = append(c.docs, doc)
	return id, nil
}

func (c *collection) UpdateOne(ctx context.Context, filter bson.D, update bson.D) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	want, err := normalize(filter)
	if err != nil {
		return err
	}
	i := c.indexOf(want)
	if i < 0 {
		return fmt.Errorf("update %s: %w", c.name, store.ErrNoDocuments)
	}

	// Apply to a copy so a failing operator leaves the document untouched.
	doc, err := normalize(c.docs[i])
	if err != nil {
		return err
	}

	ops, err := normalize(update)
	if err != nil {
		return err
	}
	for _, op := range ops {
		fields, ok := asDoc(op.Value)
		if !ok {
			return fmt.Errorf("update %s: %s argument is not a document", c.name, op.Key)
		}
		for _, field := range fields {
			switch op.Key {
			case "$inc":
				doc, err = incPath(doc, field.Key, field.Value)
			case "$set":
				doc, err = setPath(doc, field.Key, field.Value)
			default:
				err = fmt.Errorf("unsupported update operator %s", op.Key)
			}
			if err != nil {
				return fmt.Errorf("update %s: %w", c.name, err)
			}
		}
	}
	c.docs[i] = doc
	return nil
}

func (c *collection) DeleteOne(ctx context.Context, filter bson.D) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	want, err := normalize(filter)
	if err != nil {
		return err
	}
	i := c.indexOf(want)
	if i < 0 {
		return fmt.Errorf("delete %s: %w", c.name, store.ErrNoDocuments)
	}
	c.docs = append(c.docs[:i], c.docs[i+1:]...)
	return nil
}

func (c *collection) indexOf(want bson.D) int {
	for i, doc := range c.docs {
		if matches(doc, want) {
			return i
		}
	}
	return -1
}

func (c *collection) duplicates(doc bson.D) bool {
	keys := c.store.unique[c.name]
	if len(keys) == 0 {
		return false
	}
	want := bson.D{}
	for _, k := range keys {
		v, ok := lookup(doc, k)
		if !ok {
			return false
		}
		want = append(want, bson.E{Key: k, Value: v})
	}
	return c.indexOf(want) >= 0
}

func matches(doc, want bson.D) bool {
	for _, e := range want {
		v, ok := lookup(doc, e.Key)
		if !ok || !reflect.DeepEqual(v, e.Value) {
			return false
		}
	}
	return true
}

func lookup(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// normalize round-trips a value through BSON so documents, filters and
// updates share one ordered representation. Embedded documents decode as
// bson.D too.
func normalize(v any) (bson.D, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return d, nil
}

func asDoc(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		out, err := normalize(d)
		return out, err == nil
	default:
		return nil, false
	}
}

// updatePath rewrites the field at a dotted path, creating intermediate
// documents along the way. New fields are appended; existing fields keep
// their position.
func updatePath(doc bson.D, parts []string, fn func(current any, exists bool) (any, error)) (bson.D, error) {
	key := parts[0]
	idx := -1
	for i, e := range doc {
		if e.Key == key {
			idx = i
			break
		}
	}

	var value any
	if len(parts) == 1 {
		var current any
		if idx >= 0 {
			current = doc[idx].Value
		}
		v, err := fn(current, idx >= 0)
		if err != nil {
			return nil, err
		}
		value = v
	} else {
		var child bson.D
		if idx >= 0 && doc[idx].Value != nil {
			existing, ok := asDoc(doc[idx].Value)
			if !ok {
				return nil, fmt.Errorf("cannot create field %q in element {%s: %v}",
					parts[1], key, doc[idx].Value)
			}
			child = existing
		}
		updated, err := updatePath(child, parts[1:], fn)
		if err != nil {
			return nil, err
		}
		value = updated
	}

	if idx >= 0 {
		doc[idx].Value = value
		return doc, nil
	}
	return append(doc, bson.E{Key: key, Value: value}), nil
}

func setPath(doc bson.D, path string, value any) (bson.D, error) {
	return updatePath(doc, strings.Split(path, "."), func(any, bool) (any, error) {
		return value, nil
	})
}

func incPath(doc bson.D, path string, delta any) (bson.D, error) {
	return updatePath(doc, strings.Split(path, "."), func(current any, exists bool) (any, error) {
		if !exists {
			return delta, nil
		}
		sum, err := addNumbers(current, delta)
		if err != nil {
			return nil, fmt.Errorf("cannot apply $inc to %s: %w", path, err)
		}
		return sum, nil
	})
}

// addNumbers follows MongoDB's numeric promotion: any double makes a double,
// any int64 makes an int64, int32 overflow widens to int64.
func addNumbers(a, b any) (any, error) {
	switch x := a.(type) {
	case int32:
		switch y := b.(type) {
		case int32:
			s := int64(x) + int64(y)
			if s == int64(int32(s)) {
				return int32(s), nil
			}
			return s, nil
		case int64:
			return int64(x) + y, nil
		case float64:
			return float64(x) + y, nil
		}
	case int64:
		switch y := b.(type) {
		case int32:
			return x + int64(y), nil
		case int64:
			return x + y, nil
		case float64:
			return float64(x) + y, nil
		}
	case float64:
		switch y := b.(type) {
		case int32:
			return x + float64(y), nil
		case int64:
			return x + float64(y), nil
		case float64:
			return x + y, nil
		}
	default:
		return nil, fmt.Errorf("value of non-numeric type %T", a)
	}
	return nil, fmt.Errorf("increment of non-numeric type %T", b)
}
