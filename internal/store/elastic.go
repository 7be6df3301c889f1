package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

const (
	scrollKeepAlive = 2 * time.Minute
	scrollPageSize  = 1000
)

// Connect builds a cluster client from cfg. TLS material is loaded from the
// configured PEM files.
func Connect(cfg config.StoreConfig) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Hosts,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.TLS.Enabled() {
		tlsCfg, err := loadTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		esCfg.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating store client for %v: %w", cfg.Hosts, err)
	}
	return client, nil
}

func loadTLS(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Elastic is the Gateway backed by an Elasticsearch cluster.
type Elastic struct {
	es     *elasticsearch.Client
	base   string
	names  *Names
	logger *slog.Logger
}

// NewElastic binds client to the base collection.
func NewElastic(client *elasticsearch.Client, base string, names *Names) *Elastic {
	if names == nil {
		names = NewNames(0)
	}
	return &Elastic{
		es:     client,
		base:   base,
		names:  names,
		logger: slog.Default().With("component", "store", "index", base),
	}
}

func (e *Elastic) IndexName(suffix string) string {
	return e.names.Resolve(e.base, suffix, false)
}

func (e *Elastic) searchName(suffix string) string {
	return e.names.Resolve(e.base, suffix, true)
}

func (e *Elastic) Ping(ctx context.Context) error {
	res, err := e.es.Ping(e.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "ping")
	}
	return nil
}

func (e *Elastic) Get(ctx context.Context, id string) (Document, error) {
	index := e.IndexName("")
	res, err := e.es.Get(index, id, e.es.Get.WithContext(ctx))
	if err != nil {
		return Document{}, fmt.Errorf("%w: get %s: %v", apperrors.ErrStoreUnavailable, id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return Document{}, apperrors.Newf(apperrors.ErrDocumentNotFound, http.StatusNotFound, "%s/%s", index, id)
	}
	if res.IsError() {
		return Document{}, responseError(res, "get "+id)
	}
	var body struct {
		ID     string         `json:"_id"`
		Index  string         `json:"_index"`
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	if err := decode(res.Body, &body); err != nil {
		return Document{}, fmt.Errorf("decoding document %s: %w", id, err)
	}
	if !body.Found {
		return Document{}, apperrors.Newf(apperrors.ErrDocumentNotFound, http.StatusNotFound, "%s/%s", index, id)
	}
	return Document{ID: body.ID, Index: body.Index, Fields: body.Source}, nil
}

func (e *Elastic) ScanIDsByDateRange(ctx context.Context, field, start, end, format string) ([]string, error) {
	query := map[string]any{
		"query": map[string]any{
			"range": map[string]any{
				field: map[string]any{"gte": start, "lte": end, "format": format},
			},
		},
		"_source": false,
	}
	var ids []string
	err := e.scroll(ctx, e.IndexName(""), query, func(h hit) {
		ids = append(ids, h.ID)
	})
	return ids, err
}

func (e *Elastic) ScanAllIDs(ctx context.Context) ([]string, error) {
	query := map[string]any{
		"query":   map[string]any{"match_all": map[string]any{}},
		"_source": false,
	}
	var ids []string
	err := e.scroll(ctx, e.IndexName(""), query, func(h hit) {
		ids = append(ids, h.ID)
	})
	return ids, err
}

func (e *Elastic) Count(ctx context.Context, suffix string, criteria map[string]any) (int, error) {
	index := e.searchName(suffix)
	exists, err := e.exists(ctx, index)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	body, err := encode(map[string]any{"query": map[string]any{"match": criteria}})
	if err != nil {
		return 0, err
	}
	res, err := e.es.Count(
		e.es.Count.WithContext(ctx),
		e.es.Count.WithIndex(index),
		e.es.Count.WithBody(body),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", apperrors.ErrStoreUnavailable, index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, responseError(res, "count "+index)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := decode(res.Body, &out); err != nil {
		return 0, fmt.Errorf("decoding count: %w", err)
	}
	return out.Count, nil
}

func (e *Elastic) UniqueValuesSlice(ctx context.Context, slice, total int, field string) (map[string]struct{}, error) {
	// split sinks spread records over sub-collections
	index := e.IndexName("") + "," + e.searchName(WildcardSuffix)
	if field == "_id" {
		index = e.IndexName("")
	}
	query := map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
	}
	if field == "_id" {
		query["_source"] = false
	} else {
		query["_source"] = []string{field}
	}
	// the scroll slice API rejects max < 2
	if total > 1 {
		query["slice"] = map[string]any{"id": slice, "max": total}
	}
	values := make(map[string]struct{})
	err := e.scroll(ctx, index, query, func(h hit) {
		if field == "_id" {
			values[h.ID] = struct{}{}
			return
		}
		if v, ok := Field(h.Source, field); ok && v != nil {
			values[fmt.Sprint(v)] = struct{}{}
		}
	})
	return values, err
}

func (e *Elastic) Bulk(ctx context.Context, ops []WriteOperation, timeout time.Duration) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	payload, err := EncodeBulk(ops)
	if err != nil {
		return 0, err
	}
	opts := []func(*esapi.BulkRequest){e.es.Bulk.WithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, e.es.Bulk.WithTimeout(timeout))
	}
	res, err := e.es.Bulk(bytes.NewReader(payload), opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: bulk: %v", apperrors.ErrStoreUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError(res, "bulk")
	}
	var out bulkResponse
	if err := decode(res.Body, &out); err != nil {
		return 0, fmt.Errorf("decoding bulk response: %w", err)
	}
	return out.failed(e.logger), nil
}

func (e *Elastic) Write(ctx context.Context, op WriteOperation) error {
	var (
		res *esapi.Response
		err error
	)
	switch op.Type {
	case OpUpdate:
		var body io.Reader
		body, err = encode(map[string]any{"doc": op.Body})
		if err != nil {
			return err
		}
		res, err = e.es.Update(op.Index, op.ID, body, e.es.Update.WithContext(ctx))
	default:
		var body io.Reader
		body, err = encode(op.Body)
		if err != nil {
			return err
		}
		opts := []func(*esapi.IndexRequest){e.es.Index.WithContext(ctx)}
		if op.ID != "" {
			opts = append(opts, e.es.Index.WithDocumentID(op.ID))
		}
		res, err = e.es.Index(op.Index, body, opts...)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s/%s: %v", apperrors.ErrStoreUnavailable, op.Type, op.Index, op.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, fmt.Sprintf("%s %s/%s", op.Type, op.Index, op.ID))
	}
	return nil
}

func (e *Elastic) HasMappedField(ctx context.Context, field string) (bool, error) {
	index := e.IndexName("")
	res, err := e.es.Indices.GetMapping(
		e.es.Indices.GetMapping.WithContext(ctx),
		e.es.Indices.GetMapping.WithIndex(index),
	)
	if err != nil {
		return false, fmt.Errorf("%w: get mapping %s: %v", apperrors.ErrStoreUnavailable, index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, responseError(res, "get mapping "+index)
	}
	var out map[string]struct {
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	if err := decode(res.Body, &out); err != nil {
		return false, fmt.Errorf("decoding mapping: %w", err)
	}
	for _, idx := range out {
		if _, ok := idx.Mappings.Properties[field]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Elastic) EnsureMapping(ctx context.Context, properties map[string]any) error {
	index := e.IndexName("")
	exists, err := e.exists(ctx, index)
	if err != nil {
		return err
	}
	if !exists {
		body, err := encode(map[string]any{"mappings": map[string]any{"properties": properties}})
		if err != nil {
			return err
		}
		res, err := e.es.Indices.Create(index, e.es.Indices.Create.WithContext(ctx), e.es.Indices.Create.WithBody(body))
		if err != nil {
			return fmt.Errorf("%w: create %s: %v", apperrors.ErrStoreUnavailable, index, err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return responseError(res, "create "+index)
		}
		e.logger.Info("collection created with mapping", "fields", len(properties))
		return nil
	}
	body, err := encode(map[string]any{"properties": properties})
	if err != nil {
		return err
	}
	res, err := e.es.Indices.PutMapping([]string{index}, body, e.es.Indices.PutMapping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: put mapping %s: %v", apperrors.ErrStoreUnavailable, index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "put mapping "+index)
	}
	e.logger.Info("mapping updated", "fields", len(properties))
	return nil
}

func (e *Elastic) exists(ctx context.Context, index string) (bool, error) {
	res, err := e.es.Indices.Exists([]string{index}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", apperrors.ErrStoreUnavailable, index, err)
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNotFound:
		return false, nil
	case res.IsError():
		return false, responseError(res, "exists "+index)
	}
	return true, nil
}

type hit struct {
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []hit `json:"hits"`
	} `json:"hits"`
}

// scroll pages through every hit of query, calling fn for each.
func (e *Elastic) scroll(ctx context.Context, index string, query map[string]any, fn func(hit)) error {
	body, err := encode(query)
	if err != nil {
		return err
	}
	res, err := e.es.Search(
		e.es.Search.WithContext(ctx),
		e.es.Search.WithIndex(index),
		e.es.Search.WithBody(body),
		e.es.Search.WithScroll(scrollKeepAlive),
		e.es.Search.WithSize(scrollPageSize),
		e.es.Search.WithIgnoreUnavailable(true),
		e.es.Search.WithAllowNoIndices(true),
	)
	if err != nil {
		return fmt.Errorf("%w: search %s: %v", apperrors.ErrStoreUnavailable, index, err)
	}
	page, err := readPage(res, "search "+index)
	if err != nil {
		return err
	}
	scrollID := page.ScrollID
	defer func() {
		if scrollID == "" {
			return
		}
		res, err := e.es.ClearScroll(e.es.ClearScroll.WithScrollID(scrollID))
		if err != nil {
			e.logger.Debug("clearing scroll failed", "error", err)
			return
		}
		res.Body.Close()
	}()

	for len(page.Hits.Hits) > 0 {
		for _, h := range page.Hits.Hits {
			fn(h)
		}
		res, err := e.es.Scroll(
			e.es.Scroll.WithContext(ctx),
			e.es.Scroll.WithScrollID(scrollID),
			e.es.Scroll.WithScroll(scrollKeepAlive),
		)
		if err != nil {
			return fmt.Errorf("%w: scroll %s: %v", apperrors.ErrStoreUnavailable, index, err)
		}
		page, err = readPage(res, "scroll "+index)
		if err != nil {
			return err
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}
	return nil
}

func readPage(res *esapi.Response, op string) (searchResponse, error) {
	defer res.Body.Close()
	var page searchResponse
	if res.IsError() {
		return page, responseError(res, op)
	}
	if err := decode(res.Body, &page); err != nil {
		return page, fmt.Errorf("decoding %s: %w", op, err)
	}
	return page, nil
}

// EncodeBulk renders ops as a newline-delimited bulk request body. Update
// operations carry their body as a partial document.
func EncodeBulk(ops []WriteOperation) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{"_index": op.Index}
		if op.ID != "" {
			meta["_id"] = op.ID
		}
		action := op.Type
		if action == "" {
			action = OpIndex
		}
		if err := enc.Encode(map[string]any{string(action): meta}); err != nil {
			return nil, fmt.Errorf("encoding bulk action: %w", err)
		}
		var source any = op.Body
		if action == OpUpdate {
			source = map[string]any{"doc": op.Body}
		}
		if err := enc.Encode(source); err != nil {
			return nil, fmt.Errorf("encoding bulk source for %s: %w", op.ID, err)
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemOutcome `json:"items"`
}

type bulkItemOutcome struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error"`
}

func (r bulkResponse) failed(logger *slog.Logger) int {
	if !r.Errors {
		return 0
	}
	failed := 0
	for _, item := range r.Items {
		for action, outcome := range item {
			if outcome.Status >= 300 || len(outcome.Error) > 0 {
				failed++
				logger.Debug("bulk item rejected", "action", action, "doc_id", outcome.ID, "status", outcome.Status, "reason", string(outcome.Error))
			}
		}
	}
	return failed
}

func responseError(res *esapi.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	reason := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error.Reason != "" {
		reason = body.Error.Type + ": " + body.Error.Reason
	}
	return apperrors.Newf(apperrors.ErrUpstreamStatus, res.StatusCode, "%s: %s", op, reason)
}

func encode(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return bytes.NewReader(data), nil
}

func decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}
