package credstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-tools/agproxy/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewDefault(t.TempDir())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := newTestStore(t)

	bundle, err := store.Encrypt([]byte(`{"token":"secret"}`))
	require.NoError(t, err)

	parts := strings.Split(bundle, ":")
	require.Len(t, parts, 3, "bundle should be iv:tag:payload")
	assert.Len(t, parts[0], ivSize*2, "iv segment should be hex of 16 bytes")
	assert.Len(t, parts[1], tagSize*2, "tag segment should be hex of 16 bytes")

	res, err := store.DecryptWithMigration(bundle)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"secret"}`, string(res.Plaintext))
	assert.False(t, res.UsedFallback, "primary decrypt should not mark fallback")
	assert.Empty(t, res.Reencrypted)
}

func TestEncryptProducesFreshIVs(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	second, err := store.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	store := NewDefault(dir)

	// Seed a bundle under the embedded legacy key.
	legacyBundle, err := EncryptWith(NewEmbeddedKeySource(), []byte(`{"token":"legacy"}`))
	require.NoError(t, err)

	res, err := store.DecryptWithMigration(legacyBundle)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"legacy"}`, string(res.Plaintext))
	assert.True(t, res.UsedFallback)
	assert.Equal(t, "embedded", res.SourceName)
	require.NotEmpty(t, res.Reencrypted)

	// The migrated bundle must round-trip under the primary key alone.
	res2, err := store.DecryptWithMigration(res.Reencrypted)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"legacy"}`, string(res2.Plaintext))
	assert.False(t, res2.UsedFallback)
	assert.Empty(t, res2.Reencrypted)
}

func TestDecryptUnknownKeyFails(t *testing.T) {
	storeA := NewDefault(t.TempDir())
	storeB := New(NewMachineKeySource(t.TempDir()))

	bundle, err := storeB.Encrypt([]byte("opaque"))
	require.NoError(t, err)

	_, err = storeA.DecryptWithMigration(bundle)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeDataMigrationFailed))

	ae := apperr.FromError(err)
	assert.Equal(t, "ERR_DATA_MIGRATION_FAILED|HINT_RELOGIN", ae.Token())
}

func TestDecryptMalformedBundle(t *testing.T) {
	store := newTestStore(t)

	for _, bundle := range []string{
		"",
		"nothex",
		"aabb:ccdd",
		"zz:zz:zz",
	} {
		_, err := store.DecryptWithMigration(bundle)
		assert.True(t, apperr.HasCode(err, apperr.CodeDataMigrationFailed), "bundle %q", bundle)
	}
}
