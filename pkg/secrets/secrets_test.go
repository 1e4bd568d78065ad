package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triops-labs/triops/pkg/kms"
)

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("API_KEY"))
	assert.True(t, ValidName("A"))
	assert.True(t, ValidName("K2_TOKEN"))

	assert.False(t, ValidName("api_key"))
	assert.False(t, ValidName("_KEY"))
	assert.False(t, ValidName("9KEY"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("A B"))
}

func TestReferenced(t *testing.T) {
	src := `
		const key = secrets.API_KEY;
		fetchWith(secrets.API_KEY, secrets.SLACK_TOKEN)
		// secrets.IN_COMMENT still counts
		const nope = notsecrets.FAKE;
	`
	assert.Equal(t, []string{"API_KEY", "SLACK_TOKEN", "IN_COMMENT"}, Referenced(src))
	assert.Nil(t, Referenced("no references here"))
}

func TestReferencedBracketForms(t *testing.T) {
	src := `
		const a = secrets['API_KEY'];
		const b = secrets["DB_PASSWORD"];
		const c = secrets[ 'SPACED' ];
		const d = secrets[variable];
	`
	assert.Equal(t, []string{"API_KEY", "DB_PASSWORD", "SPACED"}, Referenced(src))
}

func TestReferencedDeduplicatesAcrossForms(t *testing.T) {
	src := `secrets.API_KEY; secrets['API_KEY']`
	assert.Equal(t, []string{"API_KEY"}, Referenced(src))
}

type memStore struct {
	secrets []Secret
	bumped  []string
}

func (m *memStore) List(ctx context.Context, tenantID string) ([]Secret, error) {
	return m.secrets, nil
}

func (m *memStore) BulkIncrementUsage(ctx context.Context, tenantID string, ids []string, at time.Time) error {
	m.bumped = append(m.bumped, ids...)
	return nil
}

func TestResolve(t *testing.T) {
	box, err := kms.NewBox(make([]byte, 32))
	require.NoError(t, err)

	enc := func(v string) kms.Envelope {
		env, err := box.Encrypt("42", v)
		require.NoError(t, err)
		return env
	}

	store := &memStore{secrets: []Secret{
		{ID: "s1", Name: "API_KEY", Value: enc("k-123")},
		{ID: "s2", Name: "OTHER", Value: enc("unused")},
	}}
	r := NewResolver(store, box)

	values, ids, err := r.Resolve(context.Background(), "42", []string{"API_KEY", "MISSING"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "k-123"}, values)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestResolveNoNames(t *testing.T) {
	r := NewResolver(&memStore{}, nil)
	values, ids, err := r.Resolve(context.Background(), "42", nil)
	require.NoError(t, err)
	assert.Nil(t, values)
	assert.Nil(t, ids)
}
