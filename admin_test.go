package main

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/dragonlist/listkv/snapshot"
)

func newTestCtx(method, uri string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	ctx.Init(&req, nil, nil)
	return &ctx
}

func TestAdminStatusListsPartitions(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := NewAdmin(r, snapshot.NewWatcher())
	defer a.watcher.Stop()

	ctx := newTestCtx("GET", "/status")
	a.handleStatus(ctx)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	require.Len(t, resp.Partitions, 1)
	require.Equal(t, "mydb", resp.Partitions[0].DBName)
}

func TestAdminGCUnknownPartition(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := NewAdmin(r, snapshot.NewWatcher())
	defer a.watcher.Stop()

	ctx := newTestCtx("POST", "/db/nope/0/gc")
	ctx.SetUserValue("name", "nope")
	ctx.SetUserValue("slot", "0")
	a.handleGC(ctx)

	require.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestAdminGCTriggersSweep(t *testing.T) {
	r, p := newTestRegistry(t)
	a := NewAdmin(r, snapshot.NewWatcher())
	defer a.watcher.Stop()

	_, err := p.Push([]byte("k"), false, []byte("v"))
	require.NoError(t, err)

	ctx := newTestCtx("POST", "/db/mydb/0/gc")
	ctx.SetUserValue("name", "mydb")
	ctx.SetUserValue("slot", "0")
	a.handleGC(ctx)

	require.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
}

func TestAdminWatchReturnsCurrentUUIDOnTimeout(t *testing.T) {
	r, _ := newTestRegistry(t)
	w := snapshot.NewWatcher()
	defer w.Stop()
	a := NewAdmin(r, w)

	ctx := newTestCtx("GET", "/db/mydb/0/watch?uuid=none&timeout_ms=50")
	ctx.SetUserValue("name", "mydb")
	ctx.SetUserValue("slot", "0")
	a.handleWatch(ctx)

	var body map[string]string
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	require.Equal(t, "none", body["snapshot_uuid"])
}
