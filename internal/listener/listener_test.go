package listener

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
)

type stubProcessor struct {
	ids     []string
	outcome processor.Outcome
}

func (s *stubProcessor) Process(ctx context.Context, id string) processor.Outcome {
	s.ids = append(s.ids, id)
	return s.outcome
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		outcome processor.Outcome
		wantIDs []string
		wantErr bool
	}{
		{name: "doc id in body", value: `{"doc_id":"d1"}`, wantIDs: []string{"d1"}},
		{name: "falls back to key", key: "d2", value: `{}`, wantIDs: []string{"d2"}},
		{name: "skip is not an error", value: `{"doc_id":"d3"}`, outcome: processor.SkippedProcessed, wantIDs: []string{"d3"}},
		{name: "failure keeps offset", value: `{"doc_id":"d4"}`, outcome: processor.Failed, wantIDs: []string{"d4"}, wantErr: true},
		{name: "malformed request is dropped", value: `not json`},
		{name: "missing id is dropped", value: `{"doc_id":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProcessor{outcome: tt.outcome}
			err := HandleMessage(p)(context.Background(), []byte(tt.key), []byte(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantIDs, p.ids)
		})
	}
}
