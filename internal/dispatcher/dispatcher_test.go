package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sozercan/mmr-api/apimodels"
	"github.com/sozercan/mmr-api/internal/catalog"
	apperrors "github.com/sozercan/mmr-api/internal/errors"
	"github.com/sozercan/mmr-api/internal/logger"
)

func createTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	c, err := catalog.Load("")
	require.NoError(t, err)
	return New(c, logger.NewTestLogger(t), opts...)
}

func TestDispatch_Scenarios(t *testing.T) {
	fixed := time.Unix(1700000000, 500000000)
	d := createTestDispatcher(t, WithClock(func() time.Time { return fixed }))

	tests := []struct {
		name             string
		prompt           string
		expectedAnalysis string
		expectedMarker   string
	}{
		{
			name:             "named incident",
			prompt:           "Who is responsible for the Al Ahli hospital strike?",
			expectedAnalysis: "incident_analysis",
			expectedMarker:   "# Al-Ahli Hospital Incident Analysis",
		},
		{
			name:             "named figure",
			prompt:           "Tell me about Netanyahu's policies",
			expectedAnalysis: "political_figure",
			expectedMarker:   "# Benjamin Netanyahu: Policy Overview",
		},
		{
			name:             "both conflict parties outrank solidarity",
			prompt:           "What connects Palestine and Israel solidarity?",
			expectedAnalysis: "solidarity_framework",
			expectedMarker:   "# **Palestine-Israel Solidarity Framework**",
		},
		{
			name:             "incident outranks solidarity",
			prompt:           "AL-AHLI and solidarity",
			expectedAnalysis: "incident_analysis",
			expectedMarker:   "# Al-Ahli Hospital Incident Analysis",
		},
		{
			name:             "attribution",
			prompt:           "Who bombed the convoy?",
			expectedAnalysis: "attribution",
			expectedMarker:   "# Understanding Conflict Attribution",
		},
		{
			name:             "solidarity",
			prompt:           "What does Intersectional mean?",
			expectedAnalysis: "intersectional_principles",
			expectedMarker:   "# **Intersectional Solidarity Principles**",
		},
		{
			name:             "fallback",
			prompt:           "What's the weather today?",
			expectedAnalysis: "general",
			expectedMarker:   `# **Response to: "what's the weather today?..."**`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := d.Dispatch(context.Background(), apimodels.QueryRequest{Prompt: tt.prompt})
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(resp.Response, tt.expectedMarker), "got %q", firstLine(resp.Response))
			assert.Equal(t, tt.expectedAnalysis, resp.AnalysisType)
			assert.Equal(t, "MMR-Solidarity-Enhanced-v1.1", resp.Model)
			assert.InDelta(t, 1700000000.5, resp.Timestamp, 1e-6)
		})
	}
}

func TestDispatch_EmptyPrompt(t *testing.T) {
	d := createTestDispatcher(t)

	for _, prompt := range []string{"", "   ", "\n\t"} {
		resp, err := d.Dispatch(context.Background(), apimodels.QueryRequest{
			Prompt:       prompt,
			ContinueFrom: "ignored",
		})
		assert.Nil(t, resp)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "Prompt is required", apperrors.Normalize(err).Message)
	}
}

func TestDispatch_IgnoresHistoryAndContinuation(t *testing.T) {
	d := createTestDispatcher(t)

	plain, err := d.Dispatch(context.Background(), apimodels.QueryRequest{Prompt: "hello there"})
	require.NoError(t, err)

	withContext, err := d.Dispatch(context.Background(), apimodels.QueryRequest{
		Prompt: "hello there",
		ConversationHistory: []json.RawMessage{
			json.RawMessage(`{"role":"user","content":"Tell me about Netanyahu"}`),
			json.RawMessage(`{"role":"assistant","content":"# Benjamin Netanyahu: Policy Overview"}`),
			json.RawMessage(`{"role":"user","content":"and solidarity?"}`),
		},
		ContinueFrom: "# Al-Ahli Hospital Incident Analysis",
		SessionToken: "session-123",
	})
	require.NoError(t, err)

	assert.Equal(t, plain.Response, withContext.Response)
	assert.Equal(t, plain.AnalysisType, withContext.AnalysisType)
	assert.Equal(t, "general", withContext.AnalysisType)
}

func TestSelect_FallbackExcerptIsDeterministic(t *testing.T) {
	d := createTestDispatcher(t)
	prompt := "Describe the history of the printing press in medieval Europe in detail"

	first, err := d.Select(prompt)
	require.NoError(t, err)
	second, err := d.Select(prompt)
	require.NoError(t, err)

	assert.True(t, first.Fallback)
	assert.Equal(t, catalog.FallbackID, first.RuleID)
	assert.Equal(t, first.Body, second.Body)
	assert.Contains(t, first.Body, `"describe the history of the printing press in medi..."`)
}

func TestDispatch_TimestampsNonDecreasing(t *testing.T) {
	d := createTestDispatcher(t)

	var last float64
	for i := 0; i < 20; i++ {
		resp, err := d.Dispatch(context.Background(), apimodels.QueryRequest{Prompt: "solidarity"})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, resp.Timestamp, last)
		last = resp.Timestamp
	}
}

func TestDispatch_Latency(t *testing.T) {
	d := createTestDispatcher(t, WithLatency(20*time.Millisecond, 40*time.Millisecond))

	start := time.Now()
	_, err := d.Dispatch(context.Background(), apimodels.QueryRequest{Prompt: "solidarity"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDispatch_LatencyCancelled(t *testing.T) {
	d := createTestDispatcher(t, WithLatency(time.Hour, 2*time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp, err := d.Dispatch(ctx, apimodels.QueryRequest{Prompt: "solidarity"})
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Minute)
	assert.False(t, apperrors.IsValidation(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "context deadline exceeded", apperrors.Normalize(err).Message)
}

func TestDispatch_ConcurrentRequestsAreIndependent(t *testing.T) {
	d := createTestDispatcher(t)

	prompts := []string{
		"Al Ahli hospital",
		"What's the weather today?",
		"Palestine and Israel",
		"Netanyahu",
	}
	expected := make([]string, len(prompts))
	for i, p := range prompts {
		sel, err := d.Select(p)
		require.NoError(t, err)
		expected[i] = sel.Body
	}

	var wg sync.WaitGroup
	errs := make(chan string, 200)
	for n := 0; n < 50; n++ {
		for i, p := range prompts {
			wg.Add(1)
			go func(i int, p string) {
				defer wg.Done()
				resp, err := d.Dispatch(context.Background(), apimodels.QueryRequest{Prompt: p})
				if err != nil {
					errs <- err.Error()
					return
				}
				if resp.Response != expected[i] {
					errs <- "mismatched body for " + p
				}
			}(i, p)
		}
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

func TestDispatch_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	d := createTestDispatcher(t, WithTracerProvider(provider))

	tests := []struct {
		name           string
		prompt         string
		expectedRule   string
		expectedResult string
	}{
		{"matched rule", "Al Ahli hospital", "al-ahli", "matched"},
		{"fallback", "What's the weather today?", catalog.FallbackID, "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(recorder.Ended())
			_, err := d.Dispatch(context.Background(), apimodels.QueryRequest{Prompt: tt.prompt})
			require.NoError(t, err)

			spans := recorder.Ended()
			require.Len(t, spans, before+1)
			span := spans[len(spans)-1]

			assert.Equal(t, "dispatcher.Dispatch", span.Name())
			assert.Contains(t, span.Attributes(), attribute.String("mmr.rule", tt.expectedRule))
			assert.Contains(t, span.Attributes(), attribute.String("mmr.outcome", tt.expectedResult))
			assert.NotEqual(t, codes.Error, span.Status().Code)
		})
	}
}

func TestDispatch_SpanStatusOnFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Run("empty prompt", func(t *testing.T) {
		d := createTestDispatcher(t, WithTracerProvider(provider))
		_, err := d.Dispatch(context.Background(), apimodels.QueryRequest{Prompt: " "})
		require.Error(t, err)

		spans := recorder.Ended()
		require.NotEmpty(t, spans)
		status := spans[len(spans)-1].Status()
		assert.Equal(t, codes.Error, status.Code)
		assert.Equal(t, "Prompt is required", status.Description)
	})

	t.Run("cancelled wait", func(t *testing.T) {
		d := createTestDispatcher(t, WithTracerProvider(provider), WithLatency(time.Hour, 2*time.Hour))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := d.Dispatch(ctx, apimodels.QueryRequest{Prompt: "solidarity"})
		require.Error(t, err)

		spans := recorder.Ended()
		require.NotEmpty(t, spans)
		span := spans[len(spans)-1]
		assert.Equal(t, codes.Error, span.Status().Code)
		require.NotEmpty(t, span.Events())
		assert.Equal(t, "exception", span.Events()[0].Name)
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
