// Package storetest provides an in-memory store.Gateway for tests. Several
// gateways opened on one Cluster share its collections, the way a source
// and a sink share a real cluster.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

// Cluster holds collections keyed by name.
type Cluster struct {
	mu       sync.Mutex
	docs     map[string]map[string]map[string]any
	mappings map[string]map[string]any
	names    *store.Names

	// RejectIDs makes Bulk report operations with these ids as failed.
	RejectIDs map[string]bool
	// BulkErr, when set, fails every Bulk call as a connection error would.
	BulkErr error
	// WriteErr, when set, fails every Write call.
	WriteErr error

	BulkCalls  int
	WriteCalls int
	BulkSizes  []int
}

// NewCluster creates an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		docs:      make(map[string]map[string]map[string]any),
		mappings:  make(map[string]map[string]any),
		names:     store.NewNames(0),
		RejectIDs: make(map[string]bool),
	}
}

// Gateway opens a gateway bound to base.
func (c *Cluster) Gateway(base string) *Memory {
	return &Memory{c: c, base: base}
}

// Put stores a document, creating its collection if needed.
func (c *Cluster) Put(index, id string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(index, id, clone(fields))
}

// Doc returns a copy of a stored document.
func (c *Cluster) Doc(index, id string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[index][id]
	return clone(doc), ok
}

// IDs returns the sorted ids of a collection.
func (c *Cluster) IDs(index string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.docs[index]))
}

// Indices returns the sorted names of all collections.
func (c *Cluster) Indices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.docs))
}

// Mapping returns the properties declared for a collection.
func (c *Cluster) Mapping(index string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.mappings[index])
}

func (c *Cluster) put(index, id string, fields map[string]any) {
	if c.docs[index] == nil {
		c.docs[index] = make(map[string]map[string]any)
	}
	c.docs[index][id] = fields
}

// Memory is a store.Gateway over a Cluster.
type Memory struct {
	c    *Cluster
	base string
}

var _ store.Gateway = (*Memory)(nil)

func (m *Memory) IndexName(suffix string) string {
	return m.c.names.Resolve(m.base, suffix, false)
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Get(ctx context.Context, id string) (store.Document, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	index := m.IndexName("")
	doc, ok := m.c.docs[index][id]
	if !ok {
		return store.Document{}, apperrors.Newf(apperrors.ErrDocumentNotFound, http.StatusNotFound, "%s/%s", index, id)
	}
	return store.Document{ID: id, Index: index, Fields: clone(doc)}, nil
}

func (m *Memory) ScanIDsByDateRange(ctx context.Context, field, start, end, format string) ([]string, error) {
	layout, err := config.LayoutFromDateFormat(format)
	if err != nil {
		return nil, err
	}
	from, err := time.Parse(layout, start)
	if err != nil {
		return nil, fmt.Errorf("parsing range start: %w", err)
	}
	to, err := time.Parse(layout, end)
	if err != nil {
		return nil, fmt.Errorf("parsing range end: %w", err)
	}
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	var ids []string
	for id, doc := range m.c.docs[m.IndexName("")] {
		raw, ok := store.Field(doc, field)
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		at, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if !at.Before(from) && !at.After(to) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *Memory) ScanAllIDs(ctx context.Context) ([]string, error) {
	return m.c.IDs(m.IndexName("")), nil
}

func (m *Memory) Count(ctx context.Context, suffix string, criteria map[string]any) (int, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	n := 0
	for _, index := range m.matching(suffix) {
		for id, doc := range m.c.docs[index] {
			if matches(id, doc, criteria) {
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) UniqueValuesSlice(ctx context.Context, slice, total int, field string) (map[string]struct{}, error) {
	if total < 1 || slice < 0 || slice >= total {
		return nil, fmt.Errorf("invalid slice %d of %d", slice, total)
	}
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	indices := []string{m.IndexName("")}
	if field != "_id" {
		indices = append(indices, m.matching(store.WildcardSuffix)...)
	}
	values := make(map[string]struct{})
	for _, index := range indices {
		for id, doc := range m.c.docs[index] {
			if sliceOf(id, total) != slice {
				continue
			}
			if field == "_id" {
				values[id] = struct{}{}
				continue
			}
			if v, ok := store.Field(doc, field); ok && v != nil {
				values[fmt.Sprint(v)] = struct{}{}
			}
		}
	}
	return values, nil
}

func (m *Memory) Bulk(ctx context.Context, ops []store.WriteOperation, timeout time.Duration) (int, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	m.c.BulkCalls++
	m.c.BulkSizes = append(m.c.BulkSizes, len(ops))
	if m.c.BulkErr != nil {
		return 0, m.c.BulkErr
	}
	failed := 0
	for _, op := range ops {
		if m.c.RejectIDs[op.ID] {
			failed++
			continue
		}
		if err := m.apply(op); err != nil {
			failed++
		}
	}
	return failed, nil
}

func (m *Memory) Write(ctx context.Context, op store.WriteOperation) error {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	m.c.WriteCalls++
	if m.c.WriteErr != nil {
		return m.c.WriteErr
	}
	return m.apply(op)
}

func (m *Memory) HasMappedField(ctx context.Context, field string) (bool, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	_, ok := m.c.mappings[m.IndexName("")][field]
	return ok, nil
}

func (m *Memory) EnsureMapping(ctx context.Context, properties map[string]any) error {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	index := m.IndexName("")
	if m.c.docs[index] == nil {
		m.c.docs[index] = make(map[string]map[string]any)
	}
	if m.c.mappings[index] == nil {
		m.c.mappings[index] = make(map[string]any)
	}
	maps.Copy(m.c.mappings[index], properties)
	return nil
}

// apply must be called with the cluster lock held.
func (m *Memory) apply(op store.WriteOperation) error {
	switch op.Type {
	case store.OpUpdate:
		doc, ok := m.c.docs[op.Index][op.ID]
		if !ok {
			return apperrors.Newf(apperrors.ErrDocumentNotFound, http.StatusNotFound, "%s/%s", op.Index, op.ID)
		}
		for k, v := range clone(op.Body) {
			doc[k] = v
		}
	default:
		id := op.ID
		if id == "" {
			id = fmt.Sprintf("auto-%d", len(m.c.docs[op.Index])+1)
		}
		m.c.put(op.Index, id, clone(op.Body))
	}
	return nil
}

// matching must be called with the cluster lock held.
func (m *Memory) matching(suffix string) []string {
	if suffix != store.WildcardSuffix {
		name := m.IndexName(suffix)
		if _, ok := m.c.docs[name]; ok {
			return []string{name}
		}
		return nil
	}
	prefix := m.c.names.Resolve(m.base, "", false) + "-"
	var out []string
	for name := range m.c.docs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

func matches(id string, doc map[string]any, criteria map[string]any) bool {
	for field, want := range criteria {
		if field == "_id" {
			if id != fmt.Sprint(want) {
				return false
			}
			continue
		}
		got, ok := store.Field(doc, field)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func sliceOf(id string, total int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(total))
}

// clone deep-copies a JSON-shaped map so callers never share state with
// the cluster.
func clone(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}
