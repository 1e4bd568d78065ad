package dispatch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triops-labs/triops/pkg/codexec"
	"github.com/triops-labs/triops/pkg/envelope"
	"github.com/triops-labs/triops/pkg/kms"
	"github.com/triops-labs/triops/pkg/recorder"
	"github.com/triops-labs/triops/pkg/rules"
	"github.com/triops-labs/triops/pkg/tenants"
	"github.com/triops-labs/triops/pkg/webhookexec"
)

type fakeTenants struct {
	tenant  *tenants.Tenant
	touched int
}

func (f *fakeTenants) Find(ctx context.Context, id string) (*tenants.Tenant, error) {
	if f.tenant == nil {
		return nil, tenants.ErrNotFound
	}
	return f.tenant, nil
}

func (f *fakeTenants) UpdateTokens(ctx context.Context, id string, access, refresh kms.Envelope) error {
	return nil
}

func (f *fakeTenants) TouchActivity(ctx context.Context, id string, now time.Time) error {
	f.touched++
	return nil
}

type recStore struct {
	execs  []*recorder.ExecutionRecord
	deltas []recorder.UsageDelta
}

func (m *recStore) InsertExecution(ctx context.Context, rec *recorder.ExecutionRecord) error {
	m.execs = append(m.execs, rec)
	return nil
}

func (m *recStore) ApplyUsage(ctx context.Context, d recorder.UsageDelta) error {
	m.deltas = append(m.deltas, d)
	return nil
}

func (m *recStore) ListExecutions(ctx context.Context, tenantID string, limit, offset int) ([]recorder.ExecutionRecord, error) {
	return nil, nil
}

func (m *recStore) Usage(ctx context.Context, tenantID, fromDay, toDay string) ([]recorder.UsageDay, error) {
	return nil, nil
}

func (m *recStore) PurgeExpired(ctx context.Context, now time.Time) error { return nil }

type fakeWebhook struct {
	out     *webhookexec.Outcome
	lastReq webhookexec.Request
}

func (f *fakeWebhook) Execute(ctx context.Context, req webhookexec.Request) *webhookexec.Outcome {
	f.lastReq = req
	return f.out
}

type fakeCode struct {
	out *codexec.Outcome
}

func (f *fakeCode) Execute(ctx context.Context, req codexec.Request) *codexec.Outcome {
	return f.out
}

func activeTenant() *tenants.Tenant {
	return &tenants.Tenant{ID: "42", Status: tenants.StatusActive}
}

func newDispatcher(t *testing.T, ten *fakeTenants, wh WebhookRunner, code CodeRunner) (*Dispatcher, *recStore) {
	t.Helper()
	filters, err := rules.NewEvaluator()
	require.NoError(t, err)
	rs := &recStore{}
	d := New(Config{OutputFieldPrefix: "triops"}, ten, wh, code,
		filters, recorder.New(rs, slog.Default()), slog.Default())
	return d, rs
}

func parse(t *testing.T, body string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Parse([]byte(body))
	require.NoError(t, err)
	return env
}

func TestWebhookSuccessFields(t *testing.T) {
	wh := &fakeWebhook{out: &webhookexec.Outcome{
		Status: recorder.StatusSuccess, StatusCode: 200,
		Output: `{"ok":true}`, Request: "POST https://x\n", Elapsed: 50 * time.Millisecond,
	}}
	ten := &fakeTenants{tenant: activeTenant()}
	d, rs := newDispatcher(t, ten, wh, &fakeCode{})

	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},
		"object":{"properties":{"firstname":"Ada"}},
		"inputFields":{"webhookUrl":"https://example.com","body":"{\"n\":\"{{firstname}}\"}"}}`)

	resp := d.Dispatch(context.Background(), KindWebhook, env)
	f := resp.OutputFields
	assert.Equal(t, true, f["triops_success"])
	assert.Equal(t, 200, f["triops_status_code"])
	assert.Equal(t, 0, f["triops_retries_used"])
	assert.Equal(t, "", f["triops_error"])

	require.Len(t, rs.execs, 1)
	assert.Equal(t, recorder.StatusSuccess, rs.execs[0].Status)
	assert.Equal(t, "webhook", rs.execs[0].ActionType)
	assert.Equal(t, 1, ten.touched)
}

func TestWebhookMissingURL(t *testing.T) {
	d, rs := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, &fakeCode{})
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},"inputFields":{}}`)

	resp := d.Dispatch(context.Background(), KindWebhook, env)
	assert.Equal(t, false, resp.OutputFields["triops_success"])
	assert.Contains(t, resp.OutputFields["triops_error"], "webhookUrl")
	require.Len(t, rs.execs, 1)
	assert.Equal(t, recorder.StatusUserError, rs.execs[0].Status)
}

func TestTenantNotInstalled(t *testing.T) {
	d, _ := newDispatcher(t, &fakeTenants{}, &fakeWebhook{}, &fakeCode{})
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42}}`)

	resp := d.Dispatch(context.Background(), KindWebhook, env)
	assert.Equal(t, false, resp.OutputFields["triops_success"])
	assert.Contains(t, resp.OutputFields["triops_error"], "not installed")
}

func TestTenantSuspended(t *testing.T) {
	ten := &fakeTenants{tenant: &tenants.Tenant{ID: "42", Status: tenants.StatusSuspended}}
	d, _ := newDispatcher(t, ten, &fakeWebhook{}, &fakeCode{})
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42}}`)

	resp := d.Dispatch(context.Background(), KindWebhook, env)
	assert.Equal(t, false, resp.OutputFields["triops_success"])
	assert.Contains(t, resp.OutputFields["triops_error"], "suspended")
}

func TestFilterSkips(t *testing.T) {
	d, rs := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, &fakeCode{})
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},
		"object":{"objectType":"CONTACT","properties":{}},
		"inputFields":{"webhookUrl":"https://x","filterExpression":"objectType == \"DEAL\""}}`)

	resp := d.Dispatch(context.Background(), KindWebhook, env)
	assert.Equal(t, true, resp.OutputFields["triops_success"])
	assert.Equal(t, true, resp.OutputFields["triops_skipped"])
	require.Len(t, rs.execs, 1)
	assert.Equal(t, recorder.StatusSuccess, rs.execs[0].Status)
}

func TestCodeFields(t *testing.T) {
	code := &fakeCode{out: &codexec.Outcome{
		Status:  recorder.StatusSuccess,
		Result:  "5",
		Outputs: map[string]string{"n": "5"},
		Elapsed: 12 * time.Millisecond,
	}}
	d, _ := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, code)
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},
		"inputFields":{"snippetId":"sn-1","a":"2","b":"3"}}`)

	resp := d.Dispatch(context.Background(), KindCode, env)
	f := resp.OutputFields
	assert.Equal(t, true, f["triops_success"])
	assert.Equal(t, "success", f["execution_status"])
	assert.Equal(t, "5", f["output_1"])
	assert.Equal(t, "5", f["n"])
}

func TestCodeTimeoutFields(t *testing.T) {
	code := &fakeCode{out: &codexec.Outcome{
		Status: recorder.StatusTimeout, Error: "execution exceeded 1s",
	}}
	d, _ := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, code)
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},
		"inputFields":{"snippetId":"sn-1"}}`)

	resp := d.Dispatch(context.Background(), KindCode, env)
	f := resp.OutputFields
	assert.Equal(t, false, f["triops_success"])
	assert.Equal(t, "timeout", f["execution_status"])
	assert.NotContains(t, f, "output_1")
}

func TestCodeErrorFields(t *testing.T) {
	for _, status := range []recorder.Status{recorder.StatusUserError, recorder.StatusInternal} {
		t.Run(string(status), func(t *testing.T) {
			code := &fakeCode{out: &codexec.Outcome{Status: status, Error: "boom"}}
			d, rs := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, code)
			env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},
				"inputFields":{"snippetId":"sn-1"}}`)

			resp := d.Dispatch(context.Background(), KindCode, env)
			f := resp.OutputFields
			assert.Equal(t, false, f["triops_success"])
			assert.Equal(t, "error", f["execution_status"])
			assert.NotContains(t, f, "output_1")

			// The record keeps the finer-grained status.
			require.Len(t, rs.execs, 1)
			assert.Equal(t, status, rs.execs[0].Status)
		})
	}
}

func TestFormatFields(t *testing.T) {
	d, _ := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, &fakeCode{})
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},
		"object":{"properties":{"amt":10000}},
		"inputFields":{"formula":"round({{amt}}*1.18,2)"}}`)

	resp := d.Dispatch(context.Background(), KindFormat, env)
	f := resp.OutputFields
	assert.Equal(t, true, f["triops_success"])
	assert.Equal(t, "11800.00", f["result"])
	assert.InDelta(t, 11800.0, f["result_number"], 0.001)
}

func TestFormatError(t *testing.T) {
	d, _ := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, &fakeCode{})
	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},"inputFields":{}}`)

	resp := d.Dispatch(context.Background(), KindFormat, env)
	f := resp.OutputFields
	assert.Equal(t, false, f["triops_success"])
	assert.Contains(t, f["triops_error"], "formula is required")
	assert.Equal(t, "", f["result"])
	assert.Nil(t, f["result_number"])
}

func TestEffectiveTimeout(t *testing.T) {
	d, _ := newDispatcher(t, &fakeTenants{tenant: activeTenant()}, &fakeWebhook{}, &fakeCode{})

	env := parse(t, `{"callbackId":"cb","origin":{"portalId":42},
		"inputFields":{"timeoutMs":2000}}`)
	got := d.effectiveTimeout(env, 5*time.Second, 10*time.Second, MaxWebhookTimeout)
	assert.Equal(t, 2*time.Second, got)

	env = parse(t, `{"callbackId":"cb","origin":{"portalId":42},
		"inputFields":{"timeoutMs":90000}}`)
	got = d.effectiveTimeout(env, 0, 10*time.Second, MaxWebhookTimeout)
	assert.Equal(t, 10*time.Second, got)

	got = d.effectiveTimeout(env, 3*time.Second, 10*time.Second, MaxWebhookTimeout)
	assert.Equal(t, 3*time.Second, got)
}
