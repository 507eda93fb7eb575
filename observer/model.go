package observer

import (
	"context"
	"time"

	agents "github.com/Manoj-tawk/tawk-agents-sdk"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedModel wraps an agents.Model with OTEL instrumentation.
type ObservedModel struct {
	inner agents.Model
	inst  *Instruments
}

// WrapModel returns an instrumented model that emits traces, metrics, and
// logs for every generation.
func WrapModel(inner agents.Model, inst *Instruments) *ObservedModel {
	return &ObservedModel{inner: inner, inst: inst}
}

func (o *ObservedModel) Name() string { return o.inner.Name() }

func (o *ObservedModel) Generate(ctx context.Context, req agents.ModelRequest) (agents.ModelResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.request", trace.WithAttributes(
		AttrLLMModel.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Generate(ctx, req)

	o.record(ctx, span, "generate", start, resp, err)
	return resp, err
}

func (o *ObservedModel) GenerateStream(ctx context.Context, req agents.ModelRequest, ch chan<- agents.StreamEvent) (agents.ModelResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.request", trace.WithAttributes(
		AttrLLMModel.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	// Count chunks on the way through. The inner model must not close mid;
	// we own its lifetime here.
	mid := make(chan agents.StreamEvent, 64)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range mid {
			chunks++
			ch <- ev
		}
	}()

	resp, err := o.inner.GenerateStream(ctx, req, mid)
	close(mid)
	<-done

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, "generate_stream", start, resp, err)
	return resp, err
}

func (o *ObservedModel) record(ctx context.Context, span trace.Span, method string, start time.Time, resp agents.ModelResponse, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
	)

	modelAttr := AttrLLMModel.String(o.inner.Name())
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
		modelAttr, attribute.String("direction", "input")))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
		modelAttr, attribute.String("direction", "output")))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		modelAttr, AttrLLMMethod.String(method), attribute.String("status", status)))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(modelAttr))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", resp.Usage.InputTokens),
		otellog.Int("llm.tokens.output", resp.Usage.OutputTokens),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ agents.Model = (*ObservedModel)(nil)
