package admission

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// DefaultHealthPath is exempt from every admission check.
const DefaultHealthPath = "/health"

const tracerName = "github.com/carebridge/gatekeeper/internal/app/admission"

// Scorer produces threat indicators for a request.
type Scorer interface {
	Score(ctx context.Context, sample *admission.RequestSample) []admission.ThreatIndicator
}

// Step is the result of one pipeline stage: continue to the next stage or
// terminate with a result.
type Step struct {
	done   bool
	result admission.Result
}

// Continue passes control to the next stage.
func Continue() Step { return Step{} }

// Terminate ends evaluation with r.
func Terminate(r admission.Result) Step { return Step{done: true, result: r} }

// Done reports whether the step terminates evaluation.
func (s Step) Done() bool { return s.done }

// Result returns the terminating result.
func (s Step) Result() admission.Result { return s.result }

// Evaluation carries per-request state between stages.
type Evaluation struct {
	Sample     *admission.RequestSample
	RateExempt bool
	Rate       RateStatus
	Indicators []admission.ThreatIndicator
}

// Stage is one named step of the pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context, ev *Evaluation) Step
}

// PipelineConfig configures the stage composition.
type PipelineConfig struct {
	// HealthPath bypasses every stage (default: /health).
	HealthPath string
	// ExemptPaths bypass rate limiting only.
	ExemptPaths []string
	// ThreatDetection false skips scoring entirely.
	ThreatDetection bool
}

// Pipeline evaluates requests through an ordered list of stages composed once
// at construction.
type Pipeline struct {
	stages []Stage
	tracer trace.Tracer
	logger *logger.Logger
}

// NewPipeline composes the admission pipeline:
// exempt, admit, rate, score, escalate.
func NewPipeline(cfg PipelineConfig, filter *Filter, limiter *Limiter, scorer Scorer, policy *Policy, log *logger.Logger) *Pipeline {
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		if p != "" {
			exempt[p] = struct{}{}
		}
	}

	stages := []Stage{
		{Name: "exempt", Run: func(_ context.Context, ev *Evaluation) Step {
			path := ev.Sample.Path()
			if path == cfg.HealthPath {
				return Terminate(admission.Allow(admission.ReasonExempt))
			}
			if _, ok := exempt[path]; ok {
				ev.RateExempt = true
			}
			return Continue()
		}},
		{Name: "admit", Run: func(ctx context.Context, ev *Evaluation) Step {
			if filter == nil {
				return Continue()
			}
			if a := filter.Admit(ctx, ev.Sample); !a.Allowed {
				return Terminate(admission.Block(a.Code, a.Reason))
			}
			return Continue()
		}},
		{Name: "rate", Run: func(_ context.Context, ev *Evaluation) Step {
			if limiter == nil || ev.RateExempt {
				ev.Rate = RateStatus{WithinLimit: true}
				return Continue()
			}
			ev.Rate = limiter.CheckAndRecord(ev.Sample.Identity())
			return Continue()
		}},
	}
	if cfg.ThreatDetection && scorer != nil {
		stages = append(stages, Stage{Name: "score", Run: func(ctx context.Context, ev *Evaluation) Step {
			ev.Indicators = scorer.Score(ctx, ev.Sample)
			return Continue()
		}})
	}
	stages = append(stages, Stage{Name: "escalate", Run: func(ctx context.Context, ev *Evaluation) Step {
		if policy == nil {
			if !ev.Rate.WithinLimit {
				return Terminate(admission.Throttle(admission.ReasonRateLimited,
					"Rate limit exceeded, please retry later", ev.Rate.RetryAfter))
			}
			return Terminate(admission.Allow(admission.ReasonNone))
		}
		return Terminate(policy.Decide(ctx, ev.Sample, ev.Indicators, ev.Rate))
	}})

	return newPipeline(stages, log)
}

func newPipeline(stages []Stage, log *logger.Logger) *Pipeline {
	return &Pipeline{
		stages: stages,
		tracer: otel.Tracer(tracerName),
		logger: log.With("component", "admission_pipeline"),
	}
}

// Stages returns the stage names in evaluation order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Evaluate runs the stages in order until one terminates. A panicking stage
// yields Allow; the pipeline never produces a server error.
func (p *Pipeline) Evaluate(ctx context.Context, sample *admission.RequestSample) (res admission.Result) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "admission.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("http.request.method", sample.Method()),
			attribute.String("url.path", sample.Path()),
		),
	)

	ev := &Evaluation{Sample: sample, Rate: RateStatus{WithinLimit: true}}
	current := ""

	defer func() {
		if r := recover(); r != nil {
			metrics.AdmissionStageFaultsTotal.WithLabelValues(current).Inc()
			p.logger.Error("admission stage panicked, allowing request",
				"stage", current,
				"panic", fmt.Sprint(r),
				"identity", sample.Identity().Key(),
				"stack", string(debug.Stack()),
			)
			span.SetStatus(codes.Error, "stage panic")
			res = admission.Allow(admission.ReasonPipelineFault)
		}

		metrics.AdmissionDecisionsTotal.WithLabelValues(res.Decision.String(), reasonLabel(res.Code)).Inc()
		metrics.AdmissionEvaluationDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.String("admission.decision", res.Decision.String()),
			attribute.String("admission.reason", reasonLabel(res.Code)),
			attribute.Int("admission.indicators", len(ev.Indicators)),
			attribute.Int("admission.rate.count", ev.Rate.CurrentCount),
		)
		span.End()
	}()

	for _, stage := range p.stages {
		current = stage.Name
		if step := stage.Run(ctx, ev); step.Done() {
			return step.Result()
		}
	}
	return admission.Allow(admission.ReasonNone)
}

func reasonLabel(code admission.ReasonCode) string {
	if code == admission.ReasonNone {
		return "none"
	}
	return string(code)
}
