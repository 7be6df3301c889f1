package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// fakeCluster answers the subset of the search API the gateway uses.
type fakeCluster struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r *http.Request, body string)
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.handle(w, r, string(body))
}

func newTestGateway(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, body string)) (*Elastic, *fakeCluster) {
	t.Helper()
	fake := &fakeCluster{handle: handle}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewElastic(client, "Annotations", NewNames(16)), fake
}

func TestEncodeBulk(t *testing.T) {
	ops := []WriteOperation{
		{Type: OpIndex, Index: "ann", ID: "doc-1-ann-2", Body: map[string]any{"nlp.type": "disease"}},
		{Type: OpUpdate, Index: "src", ID: "d1", Body: map[string]any{"annotations": []any{}}},
	}
	payload, err := EncodeBulk(ops)
	require.NoError(t, err)

	var lines []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 4)
	assert.Equal(t, map[string]any{"index": map[string]any{"_index": "ann", "_id": "doc-1-ann-2"}}, lines[0])
	assert.Equal(t, map[string]any{"nlp.type": "disease"}, lines[1])
	assert.Equal(t, map[string]any{"update": map[string]any{"_index": "src", "_id": "d1"}}, lines[2])
	assert.Equal(t, map[string]any{"doc": map[string]any{"annotations": []any{}}}, lines[3])
}

func TestElasticBulkCountsRejectedItems(t *testing.T) {
	gw, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		io.WriteString(w, `{"errors":true,"items":[
			{"index":{"_id":"a","status":201}},
			{"index":{"_id":"b","status":400,"error":{"type":"mapper_parsing_exception"}}},
			{"update":{"_id":"c","status":404,"error":{"type":"document_missing_exception"}}}
		]}`)
	})

	ops := []WriteOperation{
		{Type: OpIndex, Index: "annotations", ID: "a", Body: map[string]any{"x": 1}},
		{Type: OpIndex, Index: "annotations", ID: "b", Body: map[string]any{"x": 2}},
		{Type: OpUpdate, Index: "annotations", ID: "c", Body: map[string]any{"x": 3}},
	}
	failed, err := gw.Bulk(context.Background(), ops, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)
	require.Len(t, fake.requests, 1)
	assert.Equal(t, "/_bulk", fake.requests[0].Path)
}

func TestElasticGetNotFound(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"_index":"annotations","_id":"missing","found":false}`)
	})

	_, err := gw.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
}

func TestElasticGet(t *testing.T) {
	gw, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		io.WriteString(w, `{"_index":"annotations","_id":"d1","found":true,"_source":{"text":"flu","dates":"2020-01-05"}}`)
	})

	doc, err := gw.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, "flu", doc.Fields["text"])
	assert.Equal(t, "/annotations/_doc/d1", fake.requests[0].Path)
}

func TestElasticCountMissingCollection(t *testing.T) {
	gw, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusNotFound)
	})

	n, err := gw.Count(context.Background(), WildcardSuffix, map[string]any{"meta.docid": "d1"})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, fake.requests, 1, "no count request when the collection is absent")
	assert.Equal(t, http.MethodHead, fake.requests[0].Method)
	assert.Equal(t, "/annotations-*", fake.requests[0].Path)
}

func TestElasticCount(t *testing.T) {
	gw, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodHead {
			return
		}
		io.WriteString(w, `{"count":3}`)
	})

	n, err := gw.Count(context.Background(), "", map[string]any{"meta.docid": "d1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.JSONEq(t, `{"query":{"match":{"meta.docid":"d1"}}}`, fake.requests[1].Body)
}

func TestElasticScanIDsByDateRange(t *testing.T) {
	gw, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_search"):
			io.WriteString(w, `{"_scroll_id":"s1","hits":{"hits":[{"_id":"d1"},{"_id":"d2"}]}}`)
		case r.URL.Path == "/_search/scroll" && r.Method != http.MethodDelete:
			io.WriteString(w, `{"_scroll_id":"s1","hits":{"hits":[]}}`)
		default:
			io.WriteString(w, `{"succeeded":true}`)
		}
	})

	ids, err := gw.ScanIDsByDateRange(context.Background(), "dates", "2020-01-01", "2020-01-31", "yyyy-MM-dd")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, ids)

	var query map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.requests[0].Body), &query))
	assert.Equal(t, map[string]any{
		"range": map[string]any{
			"dates": map[string]any{"gte": "2020-01-01", "lte": "2020-01-31", "format": "yyyy-MM-dd"},
		},
	}, query["query"])
}

func TestElasticEnsureMappingCreatesMissingCollection(t *testing.T) {
	gw, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"acknowledged":true}`)
	})

	err := gw.EnsureMapping(context.Background(), map[string]any{"annotations": map[string]any{"type": "nested"}})
	require.NoError(t, err)
	require.Len(t, fake.requests, 2)
	assert.Equal(t, http.MethodPut, fake.requests[1].Method)
	assert.Equal(t, "/annotations", fake.requests[1].Path)
	assert.JSONEq(t, `{"mappings":{"properties":{"annotations":{"type":"nested"}}}}`, fake.requests[1].Body)
}

func TestElasticHasMappedField(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		io.WriteString(w, `{"annotations":{"mappings":{"properties":{"text":{"type":"text"},"annotations":{"type":"nested"}}}}}`)
	})

	ok, err := gw.HasMappedField(context.Background(), "annotations")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gw.HasMappedField(context.Background(), "entities")
	require.NoError(t, err)
	assert.False(t, ok)
}

func scrollOnce(hits string) func(w http.ResponseWriter, r *http.Request, body string) {
	return func(w http.ResponseWriter, r *http.Request, body string) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_search"):
			io.WriteString(w, `{"_scroll_id":"s1","hits":{"hits":`+hits+`}}`)
		case r.URL.Path == "/_search/scroll" && r.Method != http.MethodDelete:
			io.WriteString(w, `{"_scroll_id":"s1","hits":{"hits":[]}}`)
		default:
			io.WriteString(w, `{"succeeded":true}`)
		}
	}
}

func TestElasticUniqueValuesSlice(t *testing.T) {
	tests := []struct {
		name      string
		slice     int
		total     int
		field     string
		hits      string
		wantPath  string
		wantSlice any
		wantSrc   any
		want      []string
	}{
		{
			name:      "sink field over base and split collections",
			slice:     1,
			total:     3,
			field:     "meta._id",
			hits:      `[{"_id":"x1","_source":{"meta._id":"a"}},{"_id":"x2","_source":{"meta":{"_id":"b"}}},{"_id":"x3","_source":{}}]`,
			wantPath:  "/annotations,annotations-*/_search",
			wantSlice: map[string]any{"id": float64(1), "max": float64(3)},
			wantSrc:   []any{"meta._id"},
			want:      []string{"a", "b"},
		},
		{
			name:     "store ids in a single slice",
			slice:    0,
			total:    1,
			field:    "_id",
			hits:     `[{"_id":"d1"},{"_id":"d2"},{"_id":"d1"}]`,
			wantPath: "/annotations/_search",
			wantSrc:  false,
			want:     []string{"d1", "d2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, fake := newTestGateway(t, scrollOnce(tt.hits))

			values, err := gw.UniqueValuesSlice(context.Background(), tt.slice, tt.total, tt.field)
			require.NoError(t, err)
			got := make([]string, 0, len(values))
			for v := range values {
				got = append(got, v)
			}
			assert.ElementsMatch(t, tt.want, got)

			assert.Equal(t, tt.wantPath, fake.requests[0].Path)
			var query map[string]any
			require.NoError(t, json.Unmarshal([]byte(fake.requests[0].Body), &query))
			assert.Equal(t, tt.wantSrc, query["_source"])
			if tt.wantSlice == nil {
				assert.NotContains(t, query, "slice")
			} else {
				assert.Equal(t, tt.wantSlice, query["slice"])
			}
		})
	}
}

func TestElasticWrite(t *testing.T) {
	tests := []struct {
		name       string
		op         WriteOperation
		wantMethod string
		wantPath   string
		wantBody   string
	}{
		{
			name:       "index with id",
			op:         WriteOperation{Type: OpIndex, Index: "annotations", ID: "doc-d1-ann-7", Body: map[string]any{"nlp.cui": "C1"}},
			wantMethod: http.MethodPut,
			wantPath:   "/annotations/_doc/doc-d1-ann-7",
			wantBody:   `{"nlp.cui":"C1"}`,
		},
		{
			name:       "index without id",
			op:         WriteOperation{Type: OpIndex, Index: "annotations", Body: map[string]any{"nlp.cui": "C2"}},
			wantMethod: http.MethodPost,
			wantPath:   "/annotations/_doc",
			wantBody:   `{"nlp.cui":"C2"}`,
		},
		{
			name:       "update wraps partial document",
			op:         WriteOperation{Type: OpUpdate, Index: "docs", ID: "d1", Body: map[string]any{"annotations": []any{}}},
			wantMethod: http.MethodPost,
			wantPath:   "/docs/_update/d1",
			wantBody:   `{"doc":{"annotations":[]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, fake := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
				io.WriteString(w, `{"result":"created"}`)
			})

			require.NoError(t, gw.Write(context.Background(), tt.op))
			require.Len(t, fake.requests, 1)
			assert.Equal(t, tt.wantMethod, fake.requests[0].Method)
			assert.Equal(t, tt.wantPath, fake.requests[0].Path)
			assert.JSONEq(t, tt.wantBody, fake.requests[0].Body)
		})
	}
}

func TestElasticWriteRejected(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"mapper_parsing_exception","reason":"failed to parse"},"status":400}`)
	})

	err := gw.Write(context.Background(), WriteOperation{Type: OpIndex, Index: "annotations", ID: "x", Body: map[string]any{"a": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "annotations/x")
}
