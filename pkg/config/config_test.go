package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

const minimal = `
source:
  hosts: ["http://es:9200"]
  indexName: docs
sink:
  indexName: annotations
nlpService:
  endpoints: ["http://nlp:5000/api/process"]
mapping:
  source:
    textField: text
    docIdField: doc_id
    persistFields: ["patient"]
    batch:
      dateField: dates
      dateStart: "2020-01-01"
      dateEnd: "2020-06-01"
`

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(write(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.NLPService.MaxRetries)
	assert.True(t, cfg.NLPService.UseBulkIndexing)
	assert.Equal(t, 30, cfg.Mapping.Source.Batch.Interval)
	assert.Equal(t, 4, cfg.Mapping.Source.Batch.Threads)
	assert.Equal(t, "2006-01-02", cfg.Mapping.Source.Batch.Layout)
	assert.Equal(t, "id", cfg.Mapping.NLP.AnnotationIDField)
	assert.Equal(t, 5000, cfg.Bulk.ChunkSize)
	assert.Equal(t, 30*time.Second, cfg.Bulk.Timeout)
	assert.Equal(t, []string{"patient", "doc_id"}, cfg.Mapping.Source.PersistFields)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Postgres.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANN_SOURCE_PASSWORD", "s3cret")
	t.Setenv("ANN_NLP_ENDPOINTS", "http://a:1/p,http://b:2/p")
	t.Setenv("ANN_BATCH_THREADS", "9")
	t.Setenv("ANN_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(write(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Source.Password)
	assert.Equal(t, []string{"http://a:1/p", "http://b:2/p"}, cfg.NLPService.Endpoints)
	assert.Equal(t, 9, cfg.Mapping.Source.Batch.Threads)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		extra   string
		wantMsg string
	}{
		{name: "missing endpoints", from: `endpoints: ["http://nlp:5000/api/process"]`, to: `endpoints: []`, wantMsg: "Endpoints"},
		{name: "end before start", from: `dateEnd: "2020-06-01"`, to: `dateEnd: "2019-06-01"`, wantMsg: "before dateStart"},
		{name: "unparsable start", from: `dateStart: "2020-01-01"`, to: `dateStart: "01/01/2020"`, wantMsg: "does not match layout"},
		{name: "unknown profile", extra: "  sink:\n    schemaProfile: spacy\n", wantMsg: "unknown schemaProfile"},
		{name: "split with same index", extra: "  sink:\n    sameIndexIngest: true\n    splitIndexByField: type\n", wantMsg: "splitIndexByField"},
		{name: "incremental needs store id", from: `dateEnd: "2020-06-01"`, to: "dateEnd: \"2020-06-01\"\n      incremental: true", wantMsg: "docIdField"},
		{name: "bad date format", from: "dateField: dates", to: "dateField: dates\n      dateFormat: yyyy-DDD", wantMsg: "unsupported date format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := strings.Replace(minimal, tt.from, tt.to, 1) + tt.extra
			require.NotEqual(t, minimal, body)
			_, err := Load(write(t, body))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSinkStore(t *testing.T) {
	cfg, err := Load(write(t, minimal))
	require.NoError(t, err)

	sink := cfg.SinkStore()
	assert.Equal(t, "annotations", sink.IndexName)
	assert.Equal(t, cfg.Source.Hosts, sink.Hosts)

	cfg.Mapping.Sink.SameIndexIngest = true
	assert.Equal(t, "docs", cfg.SinkStore().IndexName)
}

func TestLayoutFromDateFormat(t *testing.T) {
	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{format: "yyyy-MM-dd", want: "2006-01-02"},
		{format: "dd/MM/yyyy", want: "02/01/2006"},
		{format: "yyyy-MM-dd HH:mm:ss.SSS", want: "2006-01-02 15:04:05.000"},
		{format: "yy.MM", want: "06.01"},
		{format: "epoch_millis", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got, err := LayoutFromDateFormat(tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
