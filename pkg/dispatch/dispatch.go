// Package dispatch routes verified action envelopes to their executors and
// enforces the always-200 response contract: every failure below the
// signature check becomes {<prefix>_success:false, <prefix>_error:...} in
// the output fields, never an HTTP error.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/triops-labs/triops/pkg/codexec"
	"github.com/triops-labs/triops/pkg/envelope"
	"github.com/triops-labs/triops/pkg/formula"
	"github.com/triops-labs/triops/pkg/observability"
	"github.com/triops-labs/triops/pkg/recorder"
	"github.com/triops-labs/triops/pkg/rules"
	"github.com/triops-labs/triops/pkg/sanitize"
	"github.com/triops-labs/triops/pkg/template"
	"github.com/triops-labs/triops/pkg/tenants"
	"github.com/triops-labs/triops/pkg/webhookexec"
)

// Action kinds, matching the route suffixes.
const (
	KindWebhook = "webhook"
	KindCode    = "code"
	KindFormat  = "format"
)

// Absolute ceilings regardless of tenant caps or inputs.
const (
	MaxWebhookTimeout = 30 * time.Second
	MaxCodeTimeout    = 20 * time.Second
)

// Reserved input fields consumed by the dispatcher itself.
var reservedInputs = map[string]bool{
	"filterExpression": true,
	"timeoutMs":        true,
	"snippetId":        true,
}

// Response is the body returned for every dispatched action.
type Response struct {
	OutputFields map[string]any `json:"outputFields"`
}

// Config carries the dispatcher's process-wide knobs.
type Config struct {
	OutputFieldPrefix string
	WebhookTimeout    time.Duration
	CodeTimeout       time.Duration
}

// WebhookRunner is the webhook executor dependency.
type WebhookRunner interface {
	Execute(ctx context.Context, req webhookexec.Request) *webhookexec.Outcome
}

// CodeRunner is the code executor dependency.
type CodeRunner interface {
	Execute(ctx context.Context, req codexec.Request) *codexec.Outcome
}

// Dispatcher owns the per-request pipeline between envelope and executor.
type Dispatcher struct {
	cfg     Config
	tenants tenants.Store
	webhook WebhookRunner
	code    CodeRunner
	filters *rules.Evaluator
	rec     *recorder.Recorder
	metrics *observability.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// SetMetrics attaches optional telemetry instruments.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) { d.metrics = m }

// New wires a dispatcher.
func New(cfg Config, ten tenants.Store, wh WebhookRunner, code CodeRunner, filters *rules.Evaluator, rec *recorder.Recorder, log *slog.Logger) *Dispatcher {
	if cfg.OutputFieldPrefix == "" {
		cfg.OutputFieldPrefix = "triops"
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if cfg.CodeTimeout <= 0 {
		cfg.CodeTimeout = 5 * time.Second
	}
	return &Dispatcher{
		cfg: cfg, tenants: ten, webhook: wh, code: code,
		filters: filters, rec: rec, log: log, now: time.Now,
	}
}

// Dispatch executes one action envelope. It never returns an error; the
// response always carries output fields the workflow can branch on.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, env *envelope.Envelope) *Response {
	started := d.now()
	tenantID := env.TenantID()

	ctx, span := otel.Tracer("triops").Start(ctx, "dispatch."+kind)
	span.SetAttributes(attribute.String("tenant.id", tenantID))
	defer span.End()

	rec := &recorder.ExecutionRecord{
		TenantID:   tenantID,
		WorkflowID: env.WorkflowID(),
		CallbackID: env.CallbackID,
		ActionType: kind,
		StartedAt:  started,
	}

	ten, err := d.tenants.Find(ctx, tenantID)
	if err != nil {
		rec.Status = recorder.StatusUserError
		if errors.Is(err, tenants.ErrNotFound) {
			rec.Error = "tenant is not installed"
		} else {
			rec.Status = recorder.StatusInternal
			rec.Error = sanitize.ErrorFrom(err)
		}
		return d.finish(ctx, rec, d.failureFields(rec.Error))
	}
	if !ten.Active() {
		rec.Status = recorder.StatusUserError
		rec.Error = "tenant is suspended"
		return d.finish(ctx, rec, d.failureFields(rec.Error))
	}

	if err := d.tenants.TouchActivity(ctx, tenantID, started); err != nil {
		d.log.Warn("activity stamp failed", "tenant", tenantID, "error", err)
	}

	if pass, ferr := d.evalFilter(env); ferr != nil {
		rec.Status = recorder.StatusUserError
		rec.Error = sanitize.ErrorFrom(ferr)
		return d.finish(ctx, rec, d.failureFields(rec.Error))
	} else if !pass {
		rec.Status = recorder.StatusSuccess
		fields := d.baseFields(true, "")
		fields[d.key("skipped")] = true
		return d.finish(ctx, rec, fields)
	}

	var fields map[string]any
	switch kind {
	case KindWebhook:
		fields = d.runWebhook(ctx, env, ten, rec)
	case KindCode:
		fields = d.runCode(ctx, env, ten, rec)
	case KindFormat:
		fields = d.runFormat(env, rec)
	default:
		rec.Status = recorder.StatusUserError
		rec.Error = "unknown action kind"
		fields = d.failureFields(rec.Error)
	}
	return d.finish(ctx, rec, fields)
}

func (d *Dispatcher) runWebhook(ctx context.Context, env *envelope.Envelope, ten *tenants.Tenant, rec *recorder.ExecutionRecord) map[string]any {
	url := env.InputString("webhookUrl")
	if url == "" {
		rec.Status = recorder.StatusUserError
		rec.Error = "webhookUrl is required"
		return d.failureFields(rec.Error)
	}

	timeout := d.effectiveTimeout(env, ten.Caps.WebhookTimeout, d.cfg.WebhookTimeout, MaxWebhookTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := d.webhook.Execute(execCtx, webhookexec.Request{
		URL:        url,
		Method:     env.InputString("method"),
		Headers:    stringMapInput(env, "headers"),
		Body:       env.InputString("body"),
		Query:      stringMapInput(env, "queryParams"),
		Props:      env.Object.Properties,
		Inputs:     env.NumberedInputs(10),
		Retry:      env.InputBool("retry_on_failure"),
		MaxRetries: env.InputInt("max_retries", 0),
		Timeout:    timeout,
	})

	rec.Status = out.Status
	rec.Error = out.Error
	rec.Request = out.Request
	rec.Response = out.Response
	rec.Attempts = out.Attempts
	rec.Duration = out.Elapsed

	fields := d.baseFields(out.Status == recorder.StatusSuccess, out.Error)
	fields[d.key("status_code")] = out.StatusCode
	fields[d.key("retries_used")] = out.RetriesUsed
	fields[d.key("response")] = out.Output
	return fields
}

func (d *Dispatcher) runCode(ctx context.Context, env *envelope.Envelope, ten *tenants.Tenant, rec *recorder.ExecutionRecord) map[string]any {
	snippetID := env.InputString("snippetId")
	if snippetID == "" {
		rec.Status = recorder.StatusUserError
		rec.Error = "snippetId is required"
		return d.failureFields(rec.Error)
	}

	timeout := d.effectiveTimeout(env, ten.Caps.CodeTimeout, d.cfg.CodeTimeout, MaxCodeTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inputs := make(map[string]any)
	for k, v := range env.InputFields {
		if !reservedInputs[k] {
			inputs[k] = v
		}
	}

	out := d.code.Execute(execCtx, codexec.Request{
		TenantID:  env.TenantID(),
		SnippetID: snippetID,
		Event: map[string]any{
			"objectType": env.Object.ObjectType,
			"objectId":   string(env.Object.ObjectID),
			"properties": env.Object.Properties,
			"workflowId": env.WorkflowID(),
		},
		Inputs:  inputs,
		Timeout: timeout,
	})

	rec.Status = out.Status
	rec.Error = out.Error
	rec.Duration = out.Elapsed

	fields := d.baseFields(out.Status == recorder.StatusSuccess, out.Error)
	fields["execution_status"] = executionStatus(out.Status)
	if out.Status == recorder.StatusSuccess {
		fields["output_1"] = out.Result
		for k, v := range out.Outputs {
			fields[k] = v
		}
	}
	return fields
}

// executionStatus renders the coarse status exposed to the workflow. The
// record keeps the finer user/internal distinction; output fields only
// ever carry success, error or timeout.
func executionStatus(s recorder.Status) string {
	switch s {
	case recorder.StatusSuccess:
		return "success"
	case recorder.StatusTimeout:
		return "timeout"
	default:
		return "error"
	}
}

func (d *Dispatcher) runFormat(env *envelope.Envelope, rec *recorder.ExecutionRecord) map[string]any {
	src := env.InputString("formula")
	if src == "" {
		rec.Status = recorder.StatusUserError
		rec.Error = "formula is required"
		fields := d.failureFields(rec.Error)
		fields["result"] = ""
		fields["result_number"] = nil
		return fields
	}

	started := d.now()
	res, err := formula.Evaluate(src,
		env.Object.Properties, env.NumberedInputs(10))
	rec.Duration = d.now().Sub(started)

	if err != nil {
		rec.Status = recorder.StatusUserError
		rec.Error = sanitize.ErrorFrom(err)
		fields := d.failureFields(rec.Error)
		fields["result"] = ""
		fields["result_number"] = nil
		return fields
	}

	rec.Status = recorder.StatusSuccess
	fields := d.baseFields(true, "")
	fields["result"] = res.Value
	if res.Number != nil {
		fields["result_number"] = *res.Number
	} else {
		fields["result_number"] = nil
	}
	return fields
}

func (d *Dispatcher) evalFilter(env *envelope.Envelope) (bool, error) {
	expr := env.InputString("filterExpression")
	if expr == "" {
		return true, nil
	}
	inputs := env.InputFields
	if inputs == nil {
		inputs = map[string]any{}
	}
	props := env.Object.Properties
	if props == nil {
		props = map[string]any{}
	}
	return d.filters.Eval(expr, map[string]any{
		"properties": props,
		"inputs":     inputs,
		"objectType": env.Object.ObjectType,
		"workflowId": env.WorkflowID(),
	})
}

// effectiveTimeout is min(input-requested, tenant cap, default), bounded
// by the absolute ceiling.
func (d *Dispatcher) effectiveTimeout(env *envelope.Envelope, tenantCap, def, ceiling time.Duration) time.Duration {
	timeout := def
	if tenantCap > 0 && tenantCap < timeout {
		timeout = tenantCap
	}
	if ms := env.InputInt("timeoutMs", 0); ms > 0 {
		requested := time.Duration(ms) * time.Millisecond
		if requested < timeout {
			timeout = requested
		}
	}
	if timeout > ceiling {
		timeout = ceiling
	}
	return timeout
}

func (d *Dispatcher) finish(ctx context.Context, rec *recorder.ExecutionRecord, fields map[string]any) *Response {
	if rec.Duration == 0 {
		rec.Duration = d.now().Sub(rec.StartedAt)
	}
	d.rec.Record(ctx, rec)
	d.metrics.RecordExecution(ctx, rec.ActionType, string(rec.Status), rec.Duration)
	return &Response{OutputFields: fields}
}

func (d *Dispatcher) key(suffix string) string {
	return d.cfg.OutputFieldPrefix + "_" + suffix
}

func (d *Dispatcher) baseFields(success bool, errMsg string) map[string]any {
	return map[string]any{
		d.key("success"): success,
		d.key("error"):   errMsg,
	}
}

func (d *Dispatcher) failureFields(errMsg string) map[string]any {
	return d.baseFields(false, errMsg)
}

// stringMapInput reads a map-valued input, accepting either an object or
// nothing. Values are stringified the same way template output is.
func stringMapInput(env *envelope.Envelope, name string) map[string]string {
	raw, ok := env.InputFields[name].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = template.Stringify(v)
	}
	return out
}
