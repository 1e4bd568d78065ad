// Package sandbox runs untrusted tenant code inside a WebAssembly guest.
// The guest gets no filesystem, no network and no host clock beyond what
// WASI grants; the only channel in is a job message on stdin and the only
// channels out are a result message on stdout and console lines on stderr.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic error codes for limit violations.
const (
	ErrCodeTimeExhausted   = "ERR_TIME_EXHAUSTED"
	ErrCodeMemoryExhausted = "ERR_MEMORY_EXHAUSTED"
	ErrCodeOutputExhausted = "ERR_OUTPUT_EXHAUSTED"
	ErrCodeGuestFailed     = "ERR_GUEST_FAILED"
	ErrCodeBadResult       = "ERR_BAD_RESULT"
)

// SandboxError is a typed error for guest failures and limit violations.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Limits bound one guest execution.
type Limits struct {
	// Memory caps the guest linear memory.
	Memory int64
	// Deadline caps wall time inside the guest.
	Deadline time.Duration
	// OutputBytes caps stdout plus stderr.
	OutputBytes int
	// ConsoleLines caps captured console output lines.
	ConsoleLines int
}

// DefaultLimits are the process-wide caps applied when a field is zero.
var DefaultLimits = Limits{
	Memory:       128 * 1024 * 1024,
	Deadline:     10 * time.Second,
	OutputBytes:  1024 * 1024,
	ConsoleLines: 100,
}

// graceWindow is added past the deadline so a guest that finishes right at
// the limit can still flush its result message.
const graceWindow = 500 * time.Millisecond

// Job is the message the guest reads from stdin.
type Job struct {
	Source  string            `json:"source"`
	Event   map[string]any    `json:"event"`
	Inputs  map[string]any    `json:"inputs"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// GuestResult is the message the guest writes to stdout.
type GuestResult struct {
	Outputs map[string]any `json:"outputs"`
	Result  any            `json:"result"`
	Error   string         `json:"error,omitempty"`
}

// RunOutput is what the host hands back to the code executor.
type RunOutput struct {
	Result  GuestResult
	Console []string
	Elapsed time.Duration
}

// Runner owns a wazero runtime configured with the memory cap. One runner
// serves many executions; module instances are per-run.
type Runner struct {
	runtime wazero.Runtime
	limits  Limits
}

// NewRunner builds the runtime. Close on context done is what turns the
// per-run deadline into a hard interrupt inside guest code.
func NewRunner(ctx context.Context, limits Limits) (*Runner, error) {
	if limits.Memory <= 0 {
		limits.Memory = DefaultLimits.Memory
	}
	if limits.Deadline <= 0 {
		limits.Deadline = DefaultLimits.Deadline
	}
	if limits.OutputBytes <= 0 {
		limits.OutputBytes = DefaultLimits.OutputBytes
	}
	if limits.ConsoleLines <= 0 {
		limits.ConsoleLines = DefaultLimits.ConsoleLines
	}

	pages := uint32(limits.Memory / 65536)
	if pages == 0 {
		pages = 1
	}
	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &Runner{runtime: r, limits: limits}, nil
}

// Limits returns the caps the runner was built with.
func (r *Runner) Limits() Limits { return r.limits }

// Run executes the compiled guest module with the job on stdin and decodes
// the result message from stdout. deadline overrides the runner default
// when positive but never exceeds it.
func (r *Runner) Run(ctx context.Context, wasm []byte, job *Job, deadline time.Duration) (*RunOutput, error) {
	if deadline <= 0 || deadline > r.limits.Deadline {
		deadline = r.limits.Deadline
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal job: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, deadline+graceWindow)
	defer cancel()

	var stdout, stderr limitedBuffer
	stdout.max = r.limits.OutputBytes
	stderr.max = r.limits.OutputBytes

	mc := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("").
		WithStartFunctions("_start")

	compiled, err := r.runtime.CompileModule(execCtx, wasm)
	if err != nil {
		return nil, &SandboxError{Code: ErrCodeGuestFailed,
			Message: fmt.Sprintf("compile: %v", err)}
	}
	defer compiled.Close(context.WithoutCancel(execCtx))

	start := time.Now()
	mod, err := r.runtime.InstantiateModule(execCtx, compiled, mc)
	elapsed := time.Since(start)
	if mod != nil {
		defer mod.Close(context.WithoutCancel(execCtx))
	}
	if err != nil {
		if execCtx.Err() != nil || elapsed >= deadline {
			return nil, &SandboxError{Code: ErrCodeTimeExhausted,
				Message: fmt.Sprintf("execution exceeded %s", deadline)}
		}
		if stdout.overflowed || stderr.overflowed {
			return nil, &SandboxError{Code: ErrCodeOutputExhausted,
				Message: fmt.Sprintf("output exceeds %d bytes", r.limits.OutputBytes)}
		}
		if isMemoryError(err) {
			return nil, &SandboxError{Code: ErrCodeMemoryExhausted,
				Message: fmt.Sprintf("execution exceeded %d bytes of memory", r.limits.Memory)}
		}
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			// Exit code zero from _start is a normal return.
		} else {
			return nil, &SandboxError{Code: ErrCodeGuestFailed,
				Message: fmt.Sprintf("guest failed: %v", err)}
		}
	}

	if stdout.overflowed || stderr.overflowed {
		return nil, &SandboxError{Code: ErrCodeOutputExhausted,
			Message: fmt.Sprintf("output exceeds %d bytes", r.limits.OutputBytes)}
	}

	out := &RunOutput{
		Console: consoleLines(stderr.buf.String(), r.limits.ConsoleLines),
		Elapsed: elapsed,
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.buf.Bytes()), &out.Result); err != nil {
		return nil, &SandboxError{Code: ErrCodeBadResult,
			Message: "guest did not produce a result message"}
	}
	return out, nil
}

// Close releases the runtime.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// limitedBuffer accepts writes up to max bytes and flags overflow instead
// of erroring, so the guest finishes and the host decides.
type limitedBuffer struct {
	buf        bytes.Buffer
	max        int
	overflowed bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > b.max {
		room := b.max - b.buf.Len()
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.overflowed = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func consoleLines(s string, max int) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > max {
		lines = lines[:max]
	}
	return lines
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") ||
			strings.Contains(msg, "exceeded"))
}
