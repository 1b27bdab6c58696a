package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]KV {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]KV{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestKV_PutGetDelete(t *testing.T) {
	ctx := context.Background()

	for name, kv := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(ctx, "entity/missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Put(ctx, "entity/a", []byte(`{"entity_id":"sensor.a"}`)))
			got, err := kv.Get(ctx, "entity/a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"entity_id":"sensor.a"}`, string(got))

			require.NoError(t, kv.Put(ctx, "entity/a", []byte(`{"entity_id":"sensor.b"}`)))
			got, err = kv.Get(ctx, "entity/a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"entity_id":"sensor.b"}`, string(got))

			require.NoError(t, kv.Delete(ctx, "entity/a"))
			_, err = kv.Get(ctx, "entity/a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKV_ListByPrefix(t *testing.T) {
	ctx := context.Background()

	for name, kv := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Put(ctx, "entity/x", []byte(`1`)))
			require.NoError(t, kv.Put(ctx, "entity/y", []byte(`2`)))
			require.NoError(t, kv.Put(ctx, "device/z", []byte(`3`)))
			require.NoError(t, kv.Put(ctx, "entityXdecoy", []byte(`4`)))

			got, err := kv.List(ctx, "entity/")
			require.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Equal(t, []byte(`1`), got["entity/x"])
			assert.Equal(t, []byte(`2`), got["entity/y"])
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	type record struct {
		EntityID string `json:"entity_id"`
		Disabled bool   `json:"disabled"`
	}

	require.NoError(t, PutJSON(ctx, kv, "entity/u1", record{EntityID: "sensor.queue", Disabled: true}))

	var out record
	require.NoError(t, GetJSON(ctx, kv, "entity/u1", &out))
	assert.Equal(t, record{EntityID: "sensor.queue", Disabled: true}, out)

	assert.ErrorIs(t, GetJSON(ctx, kv, "entity/none", &out), ErrNotFound)

	require.NoError(t, kv.Put(ctx, "entity/bad", []byte(`{`)))
	assert.Error(t, GetJSON(ctx, kv, "entity/bad", &out))
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "core.db")

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "entity/u1", []byte(`"sensor.queue"`)))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, "entity/u1")
	require.NoError(t, err)
	assert.Equal(t, `"sensor.queue"`, string(got))
	assert.Equal(t, path, second.Path())
}
