// Package webhookexec executes the webhook action: template substitution,
// SSRF-guarded outbound HTTP with pinned DNS, bounded retries and audit
// shaping of the response.
package webhookexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/triops-labs/triops/pkg/recorder"
	"github.com/triops-labs/triops/pkg/sanitize"
	"github.com/triops-labs/triops/pkg/ssrf"
	"github.com/triops-labs/triops/pkg/template"
)

// Shaping caps. The full capture bounds what is ever read off the wire;
// the audit and output caps bound what is stored and surfaced.
const (
	MaxCaptureBytes = 100 * 1024
	MaxAuditBytes   = 10 * 1024
	MaxOutputBytes  = 500
	MaxRedirects    = 3
	MaxAttemptTime  = 30 * time.Second
)

// UserAgent identifies outbound calls made on a tenant's behalf.
const UserAgent = "triops-webhook/1.0"

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// Request is one webhook invocation after input decoding.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Query   map[string]string

	// Template context.
	Props  map[string]any
	Inputs []string

	Retry      bool
	MaxRetries int
	Timeout    time.Duration
}

// Outcome is the shaped result of one webhook execution.
type Outcome struct {
	Status      recorder.Status
	StatusCode  int
	RetriesUsed int
	Output      string
	Request     string
	Response    string
	Error       string
	Attempts    []recorder.Attempt
	Elapsed     time.Duration
}

// Executor performs guarded outbound calls.
type Executor struct {
	guard  *ssrf.Guard
	policy RetryPolicy

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an executor over the guard.
func New(guard *ssrf.Guard, policy RetryPolicy) *Executor {
	if policy.Multiplier == 0 {
		policy = DefaultRetryPolicy
	}
	return &Executor{guard: guard, policy: policy, sleep: sleepCtx}
}

// Execute runs the call. The context deadline is the whole-request budget:
// attempt time and backoff waits are both charged against it, and the loop
// stops early when the remaining budget cannot cover the next delay.
func (e *Executor) Execute(ctx context.Context, req Request) *Outcome {
	start := time.Now()

	rawURL := template.Substitute(req.URL, req.Props, req.Inputs)
	body := template.Substitute(req.Body, req.Props, req.Inputs)
	headers := template.SubstituteMap(req.Headers, req.Props, req.Inputs)
	query := template.SubstituteMap(req.Query, req.Props, req.Inputs)

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	if !allowedMethods[method] {
		return fail(recorder.StatusUserError, fmt.Sprintf("method %q is not allowed", method))
	}

	// Validation and pinning happen once; every attempt and every redirect
	// connects only to addresses pinned here or by redirect re-validation.
	pins := ssrf.NewPinSet()
	target, err := e.guard.Validate(ctx, rawURL, pins)
	if err != nil {
		return fail(recorder.StatusUserError, sanitize.ErrorFrom(err))
	}

	if method == http.MethodGet {
		query = promoteBody(body, query)
		body = ""
	}
	applyQuery(target, query)

	client := e.client(pins)

	maxRetries := 0
	if req.Retry {
		maxRetries = req.MaxRetries
		if maxRetries <= 0 {
			maxRetries = e.policy.MaxRetries
		}
		if maxRetries > HardMaxRetries {
			maxRetries = HardMaxRetries
		}
	}

	out := &Outcome{Request: requestSnapshot(method, target, headers, body)}
	for attempt := 0; ; attempt++ {
		res := e.attempt(ctx, client, method, target, headers, body)
		res.Number = attempt + 1
		out.Attempts = append(out.Attempts, res.Attempt)
		out.StatusCode = res.StatusCode
		out.RetriesUsed = attempt

		if res.Error == "" && res.StatusCode >= 200 && res.StatusCode < 300 {
			out.Status = recorder.StatusSuccess
			out.Response = truncate(res.Body, MaxAuditBytes)
			out.Output = truncate(res.Body, MaxOutputBytes)
			break
		}

		retryable := res.retryable()
		if !retryable || attempt >= maxRetries {
			out.Status = res.terminalStatus()
			out.Response = truncate(res.Body, MaxAuditBytes)
			out.Output = truncate(res.Body, MaxOutputBytes)
			out.Error = res.failureMessage()
			break
		}

		delay := e.policy.Delay(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			out.Status = res.terminalStatus()
			out.Error = res.failureMessage()
			break
		}
		out.Attempts[len(out.Attempts)-1].Delay = delay
		if err := e.sleep(ctx, delay); err != nil {
			out.Status = recorder.StatusTimeout
			out.Error = "request deadline exceeded during backoff"
			break
		}
	}

	out.Elapsed = time.Since(start)
	return out
}

// attemptResult carries one try's telemetry plus the captured body.
type attemptResult struct {
	recorder.Attempt
	Body      string
	transport bool
	timedOut  bool
}

func (r *attemptResult) retryable() bool {
	if r.timedOut || r.transport {
		return true
	}
	return retryableStatus(r.StatusCode)
}

func (r *attemptResult) terminalStatus() recorder.Status {
	if r.timedOut {
		return recorder.StatusTimeout
	}
	return recorder.StatusUserError
}

func (r *attemptResult) failureMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("upstream returned status %d", r.StatusCode)
}

func (e *Executor) attempt(ctx context.Context, client *http.Client, method string, target *url.URL, headers map[string]string, body string) *attemptResult {
	res := &attemptResult{}

	attemptCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > MaxAttemptTime {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, MaxAttemptTime)
		defer cancel()
	}

	var reader io.Reader
	if body != "" && method != http.MethodGet {
		reader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, target.String(), reader)
	if err != nil {
		res.Error = sanitize.ErrorFrom(err)
		return res
	}
	httpReq.Header.Set("User-Agent", UserAgent)
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	res.Duration = time.Since(start)
	if err != nil {
		res.timedOut = errors.Is(err, context.DeadlineExceeded) ||
			isTimeout(err)
		res.transport = !res.timedOut
		if ssrfDenied(err) {
			// A redirect walked into a denied address. Not retryable.
			res.transport = false
			res.timedOut = false
		}
		res.Error = sanitize.ErrorFrom(err)
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	captured, _ := io.ReadAll(io.LimitReader(resp.Body, MaxCaptureBytes))
	res.Body = string(captured)
	return res
}

// client builds the per-request HTTP client. The dialer connects only to
// pinned addresses and every redirect re-runs the full guard.
func (e *Executor) client(pins *ssrf.PinSet) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:           pins.DialContext(dialer),
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: MaxAttemptTime,
		MaxIdleConns:          4,
		DisableKeepAlives:     true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			if _, err := e.guard.Validate(r.Context(), r.URL.String(), pins); err != nil {
				return err
			}
			return nil
		},
	}
}

// promoteBody folds a JSON object body into query parameters for GET.
func promoteBody(body string, query map[string]string) map[string]string {
	if strings.TrimSpace(body) == "" {
		return query
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return query
	}
	out := make(map[string]string, len(query)+len(obj))
	for k, v := range query {
		out[k] = v
	}
	for k, v := range obj {
		out[k] = template.Stringify(v)
	}
	return out
}

func applyQuery(u *url.URL, query map[string]string) {
	if len(query) == 0 {
		return
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
}

// requestSnapshot renders the outbound request for the audit record, with
// credential-bearing headers redacted.
func requestSnapshot(method string, u *url.URL, headers map[string]string, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", method, u.String())

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := headers[k]
		if redactedHeader(k) {
			v = "***"
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return truncate(b.String(), MaxAuditBytes)
}

func redactedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "proxy-authorization", "x-api-key", "cookie":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func fail(status recorder.Status, msg string) *Outcome {
	return &Outcome{Status: status, Error: msg}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func ssrfDenied(err error) bool {
	return errors.Is(err, ssrf.ErrAddressDenied) ||
		errors.Is(err, ssrf.ErrHostDenied) ||
		errors.Is(err, ssrf.ErrSchemeDenied) ||
		errors.Is(err, ssrf.ErrUserinfoDenied) ||
		errors.Is(err, ssrf.ErrUnpinnedHost) ||
		errors.Is(err, ssrf.ErrResolveFailed)
}
