package kv_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/kv"
)

func openTestEnv(t *testing.T) *kv.Env {
	t.Helper()
	dir := t.TempDir()
	env, err := kv.Open(filepath.Join(dir, "test.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestPutGetDelete(t *testing.T) {
	env := openTestEnv(t)
	db, err := env.CreateDatabaseIfNotExists("widgets", 0)
	require.NoError(t, err)

	require.NoError(t, env.Update(func(tx *kv.RwTx) error {
		return tx.Put(db, []byte("a"), []byte("1"))
	}))

	var got []byte
	require.NoError(t, env.View(func(tx *kv.RoTx) error {
		var err error
		got, err = tx.Get(db, []byte("a"))
		return err
	}))
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, env.Update(func(tx *kv.RwTx) error {
		return tx.Delete(db, []byte("a"))
	}))

	require.NoError(t, env.View(func(tx *kv.RoTx) error {
		var err error
		got, err = tx.Get(db, []byte("a"))
		return err
	}))
	assert.Nil(t, got)
}

func TestCursorOrdering(t *testing.T) {
	env := openTestEnv(t)
	db, err := env.CreateDatabaseIfNotExists("sorted", 0)
	require.NoError(t, err)

	require.NoError(t, env.Update(func(tx *kv.RwTx) error {
		for _, k := range []string{"banana", "apple", "cherry"} {
			if err := tx.Put(db, []byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var seen []string
	require.NoError(t, env.View(func(tx *kv.RoTx) error {
		c, err := tx.Cursor(db)
		if err != nil {
			return err
		}
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			seen = append(seen, string(k))
		}
		return nil
	}))
	assert.Equal(t, []string{"apple", "banana", "cherry"}, seen)
}

func TestDupSortPutForEachDelete(t *testing.T) {
	env := openTestEnv(t)
	db, err := env.CreateDatabaseIfNotExists("index", kv.DupSort)
	require.NoError(t, err)

	require.NoError(t, env.Update(func(tx *kv.RwTx) error {
		for i := 0; i < 5; i++ {
			if err := tx.PutDup(db, []byte("key"), []byte(fmt.Sprintf("v%d", i))); err != nil {
				return err
			}
		}
		return tx.PutDup(db, []byte("other"), []byte("x"))
	}))

	var vals []string
	require.NoError(t, env.View(func(tx *kv.RoTx) error {
		return tx.ForEachDup(db, []byte("key"), func(v []byte) error {
			vals = append(vals, string(v))
			return nil
		})
	}))
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, vals)

	require.NoError(t, env.Update(func(tx *kv.RwTx) error {
		return tx.DeleteDup(db, []byte("key"), []byte("v2"))
	}))

	vals = nil
	require.NoError(t, env.View(func(tx *kv.RoTx) error {
		return tx.ForEachDup(db, []byte("key"), func(v []byte) error {
			vals = append(vals, string(v))
			return nil
		})
	}))
	assert.Equal(t, []string{"v0", "v1", "v3", "v4"}, vals)

	require.NoError(t, env.Update(func(tx *kv.RwTx) error {
		return tx.Delete(db, []byte("key"))
	}))

	vals = nil
	require.NoError(t, env.View(func(tx *kv.RoTx) error {
		return tx.ForEachDup(db, []byte("key"), func(v []byte) error {
			vals = append(vals, string(v))
			return nil
		})
	}))
	assert.Empty(t, vals)

	vals = nil
	require.NoError(t, env.View(func(tx *kv.RoTx) error {
		return tx.ForEachDup(db, []byte("other"), func(v []byte) error {
			vals = append(vals, string(v))
			return nil
		})
	}))
	assert.Equal(t, []string{"x"}, vals)
}

func TestGetMissingDatabaseErrors(t *testing.T) {
	env := openTestEnv(t)
	_, err := env.OpenDatabase("missing", 0)
	assert.Error(t, err)
}
