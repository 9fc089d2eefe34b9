package contract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyedStore interface {
	Store
	Keys(context.Context) ([]Key, error)
}

func newBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s keyedStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("bolt", func(t *testing.T) { fn(t, newBoltStore(t)) })
}

func TestPutAndGet(t *testing.T) {
	eachStore(t, func(t *testing.T, s keyedStore) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "alpha", Value("v1"), Params("p1")))

		v, ok, err := s.Get(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v1", string(v))

		p, err := s.Params(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "p1", string(p))
	})
}

func TestGetMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s keyedStore) {
		_, ok, err := s.Get(context.Background(), "nobody")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Params(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPutOverwritesKeepsParams(t *testing.T) {
	eachStore(t, func(t *testing.T, s keyedStore) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "k", Value("old"), Params("params")))
		require.NoError(t, s.Put(ctx, "k", Value("new"), nil))

		v, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "new", string(v))
		p, err := s.Params(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "params", string(p), "params lost on overwrite")
	})
}

func TestKeys(t *testing.T) {
	eachStore(t, func(t *testing.T, s keyedStore) {
		ctx := context.Background()
		for _, k := range []Key{"carol", "alice", "bob"} {
			require.NoError(t, s.Put(ctx, k, Value(k), nil))
		}
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Key{"alice", "bob", "carol"}, keys)
	})
}

func TestBoltStorePersists(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "durable", Value("yes"), nil))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Get(context.Background(), "durable")
	require.NoError(t, err)
	require.True(t, ok, "value did not survive reopen")
	assert.Equal(t, "yes", string(v))

	require.NoError(t, s.Delete(context.Background(), "durable"))
	_, ok, err = s.Get(context.Background(), "durable")
	require.NoError(t, err)
	assert.False(t, ok, "value survived Delete")
}

func TestKeyLocationStable(t *testing.T) {
	assert.Equal(t, Key("a").Location(), Key("a").Location())
	assert.NotEqual(t, Key("a").Location(), Key("b").Location())
}
