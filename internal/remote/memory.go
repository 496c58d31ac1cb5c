package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryDoc struct {
	doc Document
	seq int64
}

// Memory is an in-process DocumentStore. SetOffline makes every call fail
// with ErrUnavailable, which is how tests simulate an outage.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	collections map[string]map[string]*memoryDoc
	seq         int64
	offline     bool
	user        *User
}

func NewMemory() *Memory {
	return &Memory{
		now:         time.Now,
		collections: map[string]map[string]*memoryDoc{},
	}
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *Memory) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// SetUser sets the authenticated user; nil signs out.
func (m *Memory) SetUser(user *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user == nil {
		m.user = nil
		return
	}
	u := *user
	m.user = &u
}

func (m *Memory) Upsert(_ context.Context, collection, key string, doc any) (string, error) {
	if err := validateKey(collection, key); err != nil {
		return "", err
	}
	data, err := encodeDoc(doc)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return "", ErrUnavailable
	}
	now := m.now().UTC()
	docs := m.collectionLocked(collection)
	if existing, ok := docs[key]; ok {
		existing.doc.Data = data
		existing.doc.UpdatedAt = now
		return key, nil
	}
	m.insertLocked(docs, Document{Collection: collection, Key: key, Data: data, CreatedAt: now, UpdatedAt: now})
	return key, nil
}

func (m *Memory) Create(_ context.Context, collection, key string, doc any) (bool, error) {
	if err := validateKey(collection, key); err != nil {
		return false, err
	}
	data, err := encodeDoc(doc)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return false, ErrUnavailable
	}
	docs := m.collectionLocked(collection)
	if _, ok := docs[key]; ok {
		return false, nil
	}
	now := m.now().UTC()
	m.insertLocked(docs, Document{Collection: collection, Key: key, Data: data, CreatedAt: now, UpdatedAt: now})
	return true, nil
}

func (m *Memory) Get(_ context.Context, collection, key string) (Document, error) {
	if err := validateKey(collection, key); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return Document{}, ErrUnavailable
	}
	existing, ok := m.collections[collection][key]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}
	return cloneDocument(existing.doc), nil
}

func (m *Memory) Select(_ context.Context, collection string, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	matched := make([]*memoryDoc, 0)
	for _, entry := range m.collections[collection] {
		if q.Parent != "" && entry.doc.Parent != q.Parent {
			continue
		}
		ok, err := MatchFields(entry.doc.Data, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if q.Desc {
			a, b = b, a
		}
		switch q.OrderBy {
		case OrderVersion:
			if a.doc.Version != b.doc.Version {
				return a.doc.Version < b.doc.Version
			}
		case OrderUpdatedAt:
			if !a.doc.UpdatedAt.Equal(b.doc.UpdatedAt) {
				return a.doc.UpdatedAt.Before(b.doc.UpdatedAt)
			}
		default:
			if !a.doc.CreatedAt.Equal(b.doc.CreatedAt) {
				return a.doc.CreatedAt.Before(b.doc.CreatedAt)
			}
		}
		return a.seq < b.seq
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]Document, 0, len(matched))
	for _, entry := range matched {
		out = append(out, cloneDocument(entry.doc))
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, collection, key string, patch Patch) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	existing, ok := m.collections[collection][key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}
	match, err := MatchFields(existing.doc.Data, patch.Expect)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("%w: %s/%s", ErrPreconditionFailed, collection, key)
	}
	merged, err := MergeFields(existing.doc.Data, patch.Set)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	existing.doc.Data = merged
	existing.doc.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) AppendVersion(_ context.Context, collection, parent string, doc any) (int, error) {
	if err := validateKey(collection, parent); err != nil {
		return 0, err
	}
	data, err := encodeDoc(doc)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return 0, ErrUnavailable
	}
	docs := m.collectionLocked(collection)
	next := 1
	for _, entry := range docs {
		if entry.doc.Parent == parent && entry.doc.Version >= next {
			next = entry.doc.Version + 1
		}
	}
	now := m.now().UTC()
	m.insertLocked(docs, Document{
		Collection: collection,
		Key:        VersionKey(parent, next),
		Parent:     parent,
		Version:    next,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	return next, nil
}

func (m *Memory) CurrentUser(context.Context) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline || m.user == nil {
		return User{}, false
	}
	return *m.user, true
}

// Len returns the number of documents in collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

func (m *Memory) collectionLocked(collection string) map[string]*memoryDoc {
	docs, ok := m.collections[collection]
	if !ok {
		docs = map[string]*memoryDoc{}
		m.collections[collection] = docs
	}
	return docs
}

func (m *Memory) insertLocked(docs map[string]*memoryDoc, doc Document) {
	m.seq++
	docs[doc.Key] = &memoryDoc{doc: doc, seq: m.seq}
}

func cloneDocument(doc Document) Document {
	doc.Data = append([]byte(nil), doc.Data...)
	return doc
}
