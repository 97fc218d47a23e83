package dispatcher

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sozercan/mmr-api/apimodels"
	"github.com/sozercan/mmr-api/internal/catalog"
	apperrors "github.com/sozercan/mmr-api/internal/errors"
	"github.com/sozercan/mmr-api/internal/logger"
	"github.com/sozercan/mmr-api/internal/metrics"
)

const tracerName = "github.com/sozercan/mmr-api/internal/dispatcher"

// Selection is the outcome of matching a prompt against the catalog.
type Selection struct {
	RuleID       string
	AnalysisType string
	Body         string
	Fallback     bool
}

type Option func(*Dispatcher)

// WithLatency makes every dispatch wait a uniformly drawn duration in [lo, hi).
// A zero hi disables the wait.
func WithLatency(lo, hi time.Duration) Option {
	return func(d *Dispatcher) {
		d.minDelay = lo
		d.maxDelay = hi
	}
}

// WithClock overrides the wall clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithTracerProvider sets where dispatch spans are recorded. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(tracerName)
	}
}

type Dispatcher struct {
	catalog  *catalog.Catalog
	logger   logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
	minDelay time.Duration
	maxDelay time.Duration
}

func New(c *catalog.Catalog, log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog: c,
		logger:  log,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch answers a query with the first matching template, or the fallback.
// An empty prompt yields a validation error; anything else that goes wrong is unexpected.
func (d *Dispatcher) Dispatch(ctx context.Context, req apimodels.QueryRequest) (*apimodels.QueryResponse, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch")
	defer span.End()

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		metrics.DispatchTotal.WithLabelValues("", metrics.OutcomeRejected).Inc()
		span.SetStatus(codes.Error, apperrors.MsgPromptRequired)
		return nil, apperrors.NewPromptRequiredError()
	}

	if err := d.wait(ctx); err != nil {
		return nil, d.fail(span, err)
	}

	sel, err := d.Select(prompt)
	if err != nil {
		return nil, d.fail(span, err)
	}

	outcome := metrics.OutcomeMatched
	if sel.Fallback {
		outcome = metrics.OutcomeFallback
	}
	metrics.DispatchTotal.WithLabelValues(sel.RuleID, outcome).Inc()
	span.SetAttributes(
		attribute.String("mmr.rule", sel.RuleID),
		attribute.String("mmr.outcome", outcome),
	)

	d.logger.Debug("prompt dispatched", map[string]interface{}{
		"rule":         sel.RuleID,
		"outcome":      outcome,
		"promptLength": len(prompt),
	})

	return &apimodels.QueryResponse{
		Response:     sel.Body,
		Timestamp:    unixSeconds(d.now()),
		Model:        d.catalog.Model,
		AnalysisType: sel.AnalysisType,
	}, nil
}

// Select maps a non-empty prompt to exactly one template. It performs no I/O.
func (d *Dispatcher) Select(prompt string) (Selection, error) {
	lowered := strings.ToLower(prompt)

	if rule, ok := d.catalog.Match(lowered); ok {
		return Selection{
			RuleID:       rule.ID,
			AnalysisType: rule.AnalysisType,
			Body:         rule.Template,
		}, nil
	}

	body, err := d.catalog.RenderFallback(lowered)
	if err != nil {
		return Selection{}, err
	}
	return Selection{
		RuleID:       catalog.FallbackID,
		AnalysisType: d.catalog.Fallback.AnalysisType,
		Body:         body,
		Fallback:     true,
	}, nil
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.maxDelay <= 0 {
		return nil
	}

	delay := d.minDelay
	if spread := d.maxDelay - d.minDelay; spread > 0 {
		delay += rand.N(spread)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) fail(span trace.Span, err error) error {
	metrics.DispatchTotal.WithLabelValues("", metrics.OutcomeFailed).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return apperrors.NewUnexpectedError(err)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
