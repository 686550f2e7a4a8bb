package extraction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergency-agent/backend/internal/models"
)

type fakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	prompts  []string
}

func (f *fakeCompleter) ExtractStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, userPrompt)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.response, f.err
}

type recordingSink struct {
	mu       sync.Mutex
	failures []models.ExtractionFailure
}

func (r *recordingSink) RecordExtractionFailure(ctx context.Context, f models.ExtractionFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

var snippet = models.CaseSnippet{
	Text:     "2008年汶川地震救援中，某支队投入生命探测仪18台，在映秀镇搜救。",
	SourceID: "case-wenchuan-01",
	Score:    0.92,
}

const validResponse = `{
  "entities": [
    {"type": "Disaster", "name": "地震", "context": "2008年汶川地震", "confidence": 0.95},
    {"type": "Equipment", "name": "生命探测仪", "context": "投入生命探测仪18台", "quantity": 18, "confidence": 0.9},
    {"type": "Location", "name": "映秀镇", "confidence": 0.8}
  ],
  "case": {"disaster_type": "地震", "location": "汶川", "occurred_at": "2008年5月12日", "casualties": 69227}
}`

func TestExtractCase(t *testing.T) {
	x := NewExtractor(&fakeCompleter{response: validResponse}, nil, time.Second)

	res, err := x.ExtractCase(context.Background(), snippet)
	require.NoError(t, err)
	require.Len(t, res.Entities, 3)

	eq := res.Entities[1]
	assert.Equal(t, models.EntityEquipment, eq.Type())
	assert.Equal(t, "生命探测仪", eq.Name())
	q, ok := eq.Quantity()
	assert.True(t, ok)
	assert.Equal(t, 18, q)

	_, ok = res.Entities[0].Quantity()
	assert.False(t, ok)

	assert.Equal(t, "地震", res.Case.DisasterType)
	assert.Equal(t, "2008-05-12", res.Case.OccurredAt)
	require.NotNil(t, res.Case.Casualties)
	assert.Equal(t, 69227, *res.Case.Casualties)
}

func TestExtract_MalformedOutputIsEmptyAndAudited(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{name: "not json", response: "生命探测仪 18 台"},
		{name: "missing entities", response: `{"items": []}`},
		{name: "unknown type", response: `{"entities": [{"type": "Vehicle", "name": "卡车", "confidence": 0.5}]}`},
		{name: "lower case type", response: `{"entities": [{"type": "equipment", "name": "担架", "confidence": 0.5}]}`},
		{name: "missing confidence", response: `{"entities": [{"type": "Equipment", "name": "担架"}]}`},
		{name: "confidence out of range", response: `{"entities": [{"type": "Equipment", "name": "担架", "confidence": 1.4}]}`},
		{name: "negative quantity", response: `{"entities": [{"type": "Equipment", "name": "担架", "quantity": -2, "confidence": 0.5}]}`},
		{name: "quantity as text", response: `{"entities": [{"type": "Equipment", "name": "担架", "quantity": "两台", "confidence": 0.5}]}`},
		{name: "blank name", response: `{"entities": [{"type": "Equipment", "name": "  ", "confidence": 0.5}]}`},
		{
			name:     "one bad entity rejects all",
			response: `{"entities": [{"type": "Equipment", "name": "担架", "confidence": 0.5}, {"type": "Equipment", "name": "", "confidence": 0.5}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			x := NewExtractor(&fakeCompleter{response: tt.response}, sink, time.Second)

			entities := x.Extract(context.Background(), snippet)
			assert.NotNil(t, entities)
			assert.Empty(t, entities)

			require.Len(t, sink.failures, 1)
			assert.Equal(t, snippet.SourceID, sink.failures[0].SourceID)
			assert.Equal(t, tt.response, sink.failures[0].RawResponse)
			assert.Contains(t, sink.failures[0].Reason, ReasonMalformed)

			_, err := x.ExtractCase(context.Background(), snippet)
			assert.ErrorIs(t, err, models.ErrMalformedExtraction)
		})
	}
}

func TestExtract_Timeout(t *testing.T) {
	sink := &recordingSink{}
	x := NewExtractor(&fakeCompleter{response: validResponse, delay: time.Second}, sink, 20*time.Millisecond)

	res, err := x.ExtractCase(context.Background(), snippet)
	assert.ErrorIs(t, err, models.ErrExtractionTimeout)
	assert.Empty(t, res.Entities)
	require.Len(t, sink.failures, 1)
	assert.Contains(t, sink.failures[0].Reason, ReasonTimeout)
}

func TestExtract_CallFailure(t *testing.T) {
	sink := &recordingSink{}
	x := NewExtractor(&fakeCompleter{err: errors.New("503 service unavailable")}, sink, time.Second)

	entities := x.Extract(context.Background(), snippet)
	assert.Empty(t, entities)
	require.Len(t, sink.failures, 1)
	assert.Contains(t, sink.failures[0].Reason, ReasonLLMError)
}

func TestExtract_CleansHTMLBeforePrompting(t *testing.T) {
	completer := &fakeCompleter{response: `{"entities": []}`}
	x := NewExtractor(completer, nil, time.Second)

	entities := x.Extract(context.Background(), models.CaseSnippet{
		Text:     "<div><p>投入<b>液压扩张器</b>6台</p><script>track()</script></div>",
		SourceID: "html-1",
	})
	assert.Empty(t, entities)
	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "投入液压扩张器6台")
	assert.NotContains(t, completer.prompts[0], "<b>")
	assert.NotContains(t, completer.prompts[0], "track()")
}

func TestExtract_EmptySnippetSkipsCall(t *testing.T) {
	completer := &fakeCompleter{response: validResponse}
	x := NewExtractor(completer, nil, time.Second)

	entities := x.Extract(context.Background(), models.CaseSnippet{Text: "   ", SourceID: "blank"})
	assert.Empty(t, entities)
	assert.Empty(t, completer.prompts)
}
