package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dragonlist/listkv/listkv"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WriteBufferSize = 4 << 20
	e, err := Open(filepath.Join(t.TempDir(), "db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	go e.FlushLoop(ctx)
	t.Cleanup(cancel)

	return e
}

func TestEnginePutGetMetaData(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.PutMeta([]byte("k"), []byte("meta-value")))
	v, found, err := e.GetMeta([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("meta-value"), v)

	_, found, err = e.GetMeta([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, e.PutData([]byte("k"), 1, 0, []byte("elem")))
	dataKey := listkv.EncodeDataKey([]byte("k"), 1, 0)
	got, found, err := e.GetData(dataKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("elem"), got)

	require.NoError(t, e.DeleteData([]byte("k"), 1, 0))
	_, found, err = e.GetData(dataKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestEngineUpdateSerializesPerKey(t *testing.T) {
	e := openTestEngine(t)

	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			err := e.Update([]byte("shared"), func() error {
				_, err := listkv.Push(e, []byte("shared"), false, []byte("v"))
				return err
			})
			require.NoError(t, err)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	v, found, err := e.GetMeta([]byte("shared"))
	require.NoError(t, err)
	require.True(t, found)
	m, err := listkv.ParseMeta(v)
	require.NoError(t, err)
	require.EqualValues(t, n, m.Size)
}

func TestEngineGCSweepReclaimsExpired(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.Update([]byte("k"), func() error {
		_, err := listkv.Push(e, []byte("k"), false, []byte("a"), []byte("b"))
		return err
	}))
	require.NoError(t, listkv.Expire(e, []byte("k"), -1)) // already expired

	require.NoError(t, e.Sweep(context.Background(), time.Now()))

	_, found, err := e.GetMeta([]byte("k"))
	require.NoError(t, err)
	require.False(t, found, "expired meta record must be reclaimed by the sweep")
}

func TestEngineGCSweepReclaimsLogicallyClearedData(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.Update([]byte("k"), func() error {
		_, err := listkv.Push(e, []byte("k"), false, []byte("a"))
		return err
	}))

	v, _, err := e.GetMeta([]byte("k"))
	require.NoError(t, err)
	m, err := listkv.ParseMeta(v)
	require.NoError(t, err)
	staleVersion := m.Version

	require.NoError(t, e.Update([]byte("k"), func() error {
		return listkv.Del(e, []byte("k"))
	}))

	require.NoError(t, e.Sweep(context.Background(), time.Now()))

	staleKey := listkv.EncodeDataKey([]byte("k"), staleVersion, 1)
	_, found, err := e.GetData(staleKey)
	require.NoError(t, err)
	require.False(t, found, "data from a superseded generation must be reclaimed")
}
