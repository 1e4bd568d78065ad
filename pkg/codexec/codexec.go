// Package codexec executes the code action: it loads the tenant's snippet,
// injects referenced secrets, runs the compiled module in the sandbox and
// shapes the guest result into workflow output fields.
package codexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/triops-labs/triops/pkg/artifacts"
	"github.com/triops-labs/triops/pkg/recorder"
	"github.com/triops-labs/triops/pkg/sanitize"
	"github.com/triops-labs/triops/pkg/sandbox"
	"github.com/triops-labs/triops/pkg/secrets"
	"github.com/triops-labs/triops/pkg/snippets"
)

// MaxOutputs caps the guest-provided output fields surfaced to the
// workflow. The stringified result value travels separately.
const MaxOutputs = 5

// Outcome is the shaped result of one code execution.
type Outcome struct {
	Status  recorder.Status
	Outputs map[string]string
	Result  string
	Error   string
	Console []string
	Elapsed time.Duration
}

// Request identifies what to run.
type Request struct {
	TenantID  string
	SnippetID string
	Event     map[string]any
	Inputs    map[string]any
	Timeout   time.Duration
}

// Runner abstracts the sandbox so tests can substitute a fake guest.
type Runner interface {
	Run(ctx context.Context, wasm []byte, job *sandbox.Job, deadline time.Duration) (*sandbox.RunOutput, error)
}

// Executor wires the snippet store, artifact store, secret resolver and
// sandbox runner.
type Executor struct {
	snippets  snippets.Store
	artifacts artifacts.Store
	resolver  *secrets.Resolver
	secrets   secrets.Store
	runner    Runner
	log       *slog.Logger
	now       func() time.Time
}

// New builds an executor.
func New(sn snippets.Store, art artifacts.Store, res *secrets.Resolver, sec secrets.Store, runner Runner, log *slog.Logger) *Executor {
	return &Executor{
		snippets:  sn,
		artifacts: art,
		resolver:  res,
		secrets:   sec,
		runner:    runner,
		log:       log,
		now:       time.Now,
	}
}

// Execute runs the snippet. Failures come back inside the Outcome; the
// error return is reserved for context cancellation of the host itself.
func (e *Executor) Execute(ctx context.Context, req Request) *Outcome {
	sn, err := e.snippets.Get(ctx, req.TenantID, req.SnippetID)
	if errors.Is(err, snippets.ErrNotFound) {
		return userError(fmt.Sprintf("snippet %q not found", req.SnippetID))
	}
	if err != nil {
		return internalError(err)
	}
	if sn.ArtifactHash == "" {
		return userError("snippet has no compiled module; save it again to rebuild")
	}

	wasm, err := e.artifacts.Get(ctx, sn.ArtifactHash)
	if err != nil {
		return internalError(err)
	}

	names := secrets.Referenced(sn.Source)
	values, secretIDs, err := e.resolver.Resolve(ctx, req.TenantID, names)
	if err != nil {
		return internalError(err)
	}

	job := &sandbox.Job{
		Source:  sn.Source,
		Event:   req.Event,
		Inputs:  req.Inputs,
		Secrets: values,
	}

	out, runErr := e.runner.Run(ctx, wasm, job, req.Timeout)
	outcome := e.shape(out, runErr, values)

	// Usage accounting is best effort and never changes the outcome.
	if err := e.snippets.IncrementUsage(ctx, req.TenantID, req.SnippetID, e.now()); err != nil {
		e.log.Warn("snippet usage increment failed",
			"tenant", req.TenantID, "snippet", req.SnippetID, "error", err)
	}
	if len(secretIDs) > 0 {
		if err := e.secrets.BulkIncrementUsage(ctx, req.TenantID, secretIDs, e.now()); err != nil {
			e.log.Warn("secret usage increment failed",
				"tenant", req.TenantID, "error", err)
		}
	}
	return outcome
}

func (e *Executor) shape(out *sandbox.RunOutput, runErr error, secretValues map[string]string) *Outcome {
	if runErr != nil {
		var se *sandbox.SandboxError
		if errors.As(runErr, &se) {
			msg := redact(se.Message, secretValues)
			switch se.Code {
			case sandbox.ErrCodeTimeExhausted:
				return &Outcome{Status: recorder.StatusTimeout, Error: msg}
			case sandbox.ErrCodeMemoryExhausted,
				sandbox.ErrCodeOutputExhausted,
				sandbox.ErrCodeGuestFailed,
				sandbox.ErrCodeBadResult:
				return &Outcome{Status: recorder.StatusUserError, Error: msg}
			}
		}
		return internalError(runErr)
	}

	console := make([]string, len(out.Console))
	for i, line := range out.Console {
		console[i] = redact(line, secretValues)
	}

	if out.Result.Error != "" {
		return &Outcome{
			Status:  recorder.StatusUserError,
			Error:   redact(sanitize.Error(out.Result.Error), secretValues),
			Console: console,
			Elapsed: out.Elapsed,
		}
	}

	return &Outcome{
		Status:  recorder.StatusSuccess,
		Outputs: shapeOutputs(out.Result.Outputs, secretValues),
		Result:  redact(stringify(out.Result.Result), secretValues),
		Console: console,
		Elapsed: out.Elapsed,
	}
}

// shapeOutputs keeps at most MaxOutputs entries, by sorted key so the
// selection is deterministic.
func shapeOutputs(raw map[string]any, secretValues map[string]string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > MaxOutputs {
		keys = keys[:MaxOutputs]
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = redact(stringify(raw[k]), secretValues)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// redact blanks secret plaintext anywhere it would leave the sandbox.
func redact(s string, secretValues map[string]string) string {
	for _, v := range secretValues {
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, "***")
	}
	return s
}

func userError(msg string) *Outcome {
	return &Outcome{Status: recorder.StatusUserError, Error: msg}
}

func internalError(err error) *Outcome {
	return &Outcome{Status: recorder.StatusInternal, Error: sanitize.ErrorFrom(err)}
}
