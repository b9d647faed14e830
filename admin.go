package main

import (
	"context"
	"log"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/buaazp/fasthttprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/dragonlist/listkv/snapshot"
)

// Admin is the status/ops HTTP surface: partition status, a manual GC
// trigger, and a long-poll snapshot-UUID watch endpoint that lets a
// replica learn a new snapshot exists without polling MetaReq.
type Admin struct {
	registry *Registry
	watcher  *snapshot.Watcher
}

// NewAdmin constructs the admin surface over registry, using watcher for
// the /watch long-poll endpoint.
func NewAdmin(registry *Registry, watcher *snapshot.Watcher) *Admin {
	return &Admin{registry: registry, watcher: watcher}
}

type statusPartition struct {
	DBName   string `json:"db_name"`
	SlotID   uint32 `json:"slot_id"`
	BgSaving bool   `json:"bg_saving"`
}

type statusResponse struct {
	Partitions []statusPartition `json:"partitions"`
}

// Handler builds the admin router: status/gc/watch routes plus /metrics.
func (a *Admin) Handler() fasthttp.RequestHandler {
	router := fasthttprouter.New()
	router.GET("/status", a.handleStatus)
	router.POST("/db/:name/:slot/gc", a.handleGC)
	router.GET("/db/:name/:slot/watch", a.handleWatch)
	router.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	router.NotFound = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
	return router.Handler
}

func (a *Admin) handleStatus(ctx *fasthttp.RequestCtx) {
	ids := a.registry.List()
	resp := statusResponse{Partitions: make([]statusPartition, 0, len(ids))}
	for _, id := range ids {
		p, ok := a.registry.Get(id.DBName, id.SlotID)
		if !ok {
			continue
		}
		resp.Partitions = append(resp.Partitions, statusPartition{
			DBName:   id.DBName,
			SlotID:   id.SlotID,
			BgSaving: p.IsBgSaving(),
		})
	}
	body, err := json.Marshal(resp)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (a *Admin) handleGC(ctx *fasthttp.RequestCtx) {
	p, ok := a.partitionFromPath(ctx)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	if err := p.Sweep(context.Background(), time.Now()); err != nil {
		log.Printf("admin: gc sweep failed: %v", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (a *Admin) handleWatch(ctx *fasthttp.RequestCtx) {
	p, ok := a.partitionFromPath(ctx)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	lastKnown := string(ctx.QueryArgs().Peek("uuid"))
	timeout := 30 * time.Second
	if ms := ctx.QueryArgs().Peek("timeout_ms"); len(ms) > 0 {
		if v, err := strconv.Atoi(string(ms)); err == nil && v > 0 {
			timeout = time.Duration(v) * time.Millisecond
		}
	}

	uuid := a.watcher.Wait(p.key(), lastKnown, timeout)
	body, err := json.Marshal(map[string]string{"snapshot_uuid": uuid})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (a *Admin) partitionFromPath(ctx *fasthttp.RequestCtx) (*Partition, bool) {
	name, _ := ctx.UserValue("name").(string)
	slotStr, _ := ctx.UserValue("slot").(string)
	slot, err := strconv.ParseUint(slotStr, 10, 32)
	if err != nil {
		return nil, false
	}
	return a.registry.Get(name, uint32(slot))
}

// serveAdmin runs the admin HTTP surface until the process exits. There is
// no graceful-shutdown path: the listener closes when the process does.
func serveAdmin(addr string, admin *Admin) error {
	s := fasthttp.Server{
		Handler:                       admin.Handler(),
		DisableHeaderNamesNormalizing: true,
		NoDefaultContentType:          true,
		NoDefaultDate:                 true,
		NoDefaultServerHeader:         true,
	}
	return s.ListenAndServe(addr)
}
