package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseSnapshot(t *testing.T) {
	snap := BaseSnapshot()
	assert.False(t, snap.Degraded())

	f, ok := snap.Field("severity")
	require.True(t, ok)
	assert.Equal(t, TypeEnum, f.Type)
	assert.True(t, f.Facetable)

	f, ok = snap.Field("src_ip")
	require.True(t, ok)
	assert.Equal(t, TypeIP, f.Type)

	_, ok = snap.Field("nosuch")
	assert.False(t, ok)

	assert.Contains(t, snap.Enum("severity"), "critical")
	assert.Nil(t, snap.Enum("user"))
}

func TestSearchableFieldsSorted(t *testing.T) {
	snap := BaseSnapshot()
	fields := snap.SearchableFields()
	require.NotEmpty(t, fields)
	assert.IsIncreasing(t, fields)
	assert.Contains(t, fields, "message")
	// ingest_seq is plumbing, not a search target.
	assert.NotContains(t, fields, "ingest_seq")
}

type failingProvider struct{}

func (failingProvider) Fields(context.Context, string) ([]Field, error) {
	return nil, errors.New("catalog service unavailable")
}

func (failingProvider) Enums(context.Context, string) (map[string][]string, error) {
	return nil, errors.New("catalog service unavailable")
}

func TestLoadDegradesOnProviderFailure(t *testing.T) {
	snap := Load(context.Background(), failingProvider{}, "acme")
	require.NotNil(t, snap)
	assert.True(t, snap.Degraded())

	// The base catalog still serves.
	_, ok := snap.Field("severity")
	assert.True(t, ok)
}

func TestStaticProviderOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  acme:
    fields:
      - name: badge_id
        type: string
        searchable: true
        facetable: true
      - name: severity
        type: int
        searchable: true
    enums:
      badge_type: [contractor, employee]
`), 0o644))

	p, err := NewStaticProviderFromFile(path)
	require.NoError(t, err)

	snap := Load(context.Background(), p, "acme")
	assert.False(t, snap.Degraded())

	f, ok := snap.Field("badge_id")
	require.True(t, ok)
	assert.Equal(t, TypeString, f.Type)
	assert.True(t, f.Searchable)

	// Overlays never shadow base fields.
	f, _ = snap.Field("severity")
	assert.Equal(t, TypeEnum, f.Type)

	assert.Equal(t, []string{"contractor", "employee"}, snap.Enum("badge_type"))

	// Other tenants see only the base catalog.
	other := Load(context.Background(), p, "globex")
	_, ok = other.Field("badge_id")
	assert.False(t, ok)
}

func TestSnapshotImmutability(t *testing.T) {
	snap := BaseSnapshot()
	fields := snap.Fields()
	require.NotEmpty(t, fields)
	fields[0].Name = "mutated"

	_, ok := snap.Field("mutated")
	assert.False(t, ok)

	enums := snap.Enums()
	enums["severity"][0] = "mutated"
	assert.Equal(t, "low", snap.Enum("severity")[0])
}
