package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*KV, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "theoros.db")
	kv, err := New(Config{DBPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv, path
}

func TestKV_EmptyLoad(t *testing.T) {
	kv, _ := openTemp(t)

	values, err := kv.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestKV_SaveMergesKeys(t *testing.T) {
	kv, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, kv.Save(ctx, map[string]string{"UNRELATED": "keep", "A": "1"}))
	require.NoError(t, kv.Save(ctx, map[string]string{"A": "2", "B": "3"}))

	values, err := kv.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"UNRELATED": "keep", "A": "2", "B": "3"}, values)
}

func TestKV_SurvivesReopen(t *testing.T) {
	kv, path := openTemp(t)
	ctx := context.Background()
	require.NoError(t, kv.Save(ctx, map[string]string{"QUESTRADE_REFRESH_TOKEN": "r1"}))
	require.NoError(t, kv.Close())

	reopened, err := New(Config{DBPath: path})
	require.NoError(t, err)
	defer reopened.Close()

	values, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", values["QUESTRADE_REFRESH_TOKEN"])
}
