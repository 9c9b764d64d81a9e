// Package assess grades a snapshot's risk, asking a model first and falling back to rules.
package assess

import (
	"context"
	"strings"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/llm"
	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/gustycube/sensorwatch/internal/prompt"
	"github.com/gustycube/sensorwatch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Options struct {
	// DenyFormat and DenyFormat6 take the address as their only verb.
	DenyFormat     string
	DenyFormat6    string
	VerifyCommands []string
	// Template overrides DefaultTemplate.
	Template string
	// Timeout bounds the whole model attempt.
	Timeout time.Duration
	TopN    int
}

func (o *Options) setDefaults() {
	if o.DenyFormat == "" {
		o.DenyFormat = DefaultDenyFormat
	}
	if o.DenyFormat6 == "" {
		o.DenyFormat6 = DefaultDenyFormat6
	}
	if len(o.VerifyCommands) == 0 {
		o.VerifyCommands = DefaultVerifyCommands
	}
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.TopN <= 0 {
		o.TopN = 10
	}
}

type Assessor struct {
	model   llm.ChatModel
	prompts prompt.Source
	opts    Options
	log     *zap.SugaredLogger
}

// New builds an assessor. model may be nil, in which case every assessment is rule-derived.
func New(model llm.ChatModel, prompts prompt.Source, opts Options, log *zap.SugaredLogger) *Assessor {
	opts.setDefaults()
	if prompts == nil {
		prompts = prompt.Static(prompt.Default)
	}
	return &Assessor{model: model, prompts: prompts, opts: opts, log: log}
}

// Assess always returns a fully populated assessment.
func (a *Assessor) Assess(ctx context.Context, snap *analytics.Snapshot) Assessment {
	ctx, span := telemetry.Tracer("assess").Start(ctx, "assess.Assess")
	defer span.End()

	result := a.assess(ctx, snap)
	span.SetAttributes(attribute.String("method", string(result.Method)), attribute.String("risk", string(result.RiskLevel)))
	metrics.Assessments.WithLabelValues(string(result.Method)).Inc()
	a.log.Infow("assessment complete", "method", result.Method, "risk", result.RiskLevel, "confidence", result.Confidence,
		"commands", len(result.Commands), "model_error", result.ModelError)
	return result
}

func (a *Assessor) assess(ctx context.Context, snap *analytics.Snapshot) Assessment {
	rules := RuleAssessment(snap, a.opts)
	if snap == nil || a.model == nil {
		return rules
	}

	reply, err := a.attempt(ctx, snap)
	if err != nil {
		a.log.Warnw("model assessment abandoned, using rules", "err", err)
		rules.ModelError = err.Error()
		return rules
	}
	merged := merge(reply, rules)
	merged.Model = modelName(a.model)
	return merged
}

func (a *Assessor) attempt(ctx context.Context, snap *analytics.Snapshot) (modelReply, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	instructions, err := a.prompts.Fetch(ctx)
	if err != nil || strings.TrimSpace(instructions) == "" {
		instructions = prompt.Default
	}
	user, err := RenderPrompt(a.opts.Template, instructions, snap, a.opts.TopN)
	if err != nil {
		return modelReply{}, &ModelError{Stage: StageRender, Err: err}
	}

	text, err := a.model.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: SystemPrompt},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return modelReply{}, &ModelError{Stage: StageCall, Err: err}
	}

	obj, err := ExtractJSON(text)
	if err != nil {
		return modelReply{}, &ModelError{Stage: StageExtract, Err: err}
	}
	reply, err := decodeReply(obj)
	if err != nil {
		return modelReply{}, &ModelError{Stage: StageDecode, Err: err}
	}
	return reply, nil
}

// merge fills whatever the model left out from the rule-derived assessment. Commands always
// come from rules.
func merge(r modelReply, rules Assessment) Assessment {
	out := Assessment{
		ExecutiveSummary: strings.TrimSpace(r.ExecutiveSummary),
		Findings:         r.KeyFindings,
		Recommendations:  r.Recommendations,
		Commands:         rules.Commands,
		Confidence:       ConfidenceMedium,
		Method:           MethodModel,
	}
	if out.ExecutiveSummary == "" {
		out.ExecutiveSummary = rules.ExecutiveSummary
	}
	if level, ok := ParseRiskLevel(r.RiskLevel); ok {
		out.RiskLevel = level
	} else {
		out.RiskLevel = rules.RiskLevel
	}
	if len(out.Findings) == 0 {
		out.Findings = rules.Findings
	}
	if len(out.Recommendations) == 0 {
		out.Recommendations = rules.Recommendations
	}
	if c, ok := ParseConfidence(r.Confidence); ok {
		out.Confidence = c
	}
	return out
}

func modelName(m llm.ChatModel) string {
	if n, ok := m.(interface{ Name() string }); ok {
		return n.Name()
	}
	return ""
}
