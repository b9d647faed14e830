// Package rsyncserver implements the rsync server: an acceptor,
// per-connection frame readers, and a bounded worker pool dispatching
// MetaReq/FileReq handlers against a partition registry.
package rsyncserver

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dragonlist/listkv/rsyncproto"
)

// ErrClosed marks a server that has already been shut down.
var ErrClosed = errors.New("rsyncserver: closed")

// Partition is what the server needs from one (db_name, slot_id)'s
// snapshot state. registry.go at the module root implements this against
// snapshot.Coordinator + snapshot.Read.
type Partition interface {
	// IsBgSaving reports whether a background save is currently in
	// progress for this partition.
	IsBgSaving() bool
	// Meta returns the currently advertised snapshot's file list and
	// UUID.
	Meta() (files []string, snapshotUUID string, err error)
	// ReadFile serves one chunk of filename from this partition's
	// current snapshot directory.
	ReadFile(filename string, offset, count int64) (data []byte, eof bool, checksum string, err error)
}

// Registry looks up a partition by its database name and slot ID.
type Registry interface {
	Lookup(dbName string, slotID uint32) (Partition, bool)
}

// Config carries the configuration keys the server needs.
type Config struct {
	ListenAddr        string
	WorkerParallelism int // thread_num
	WorkerQueueBound  int
	IdleTimeout       time.Duration // timeout
	MaxConnections    int           // maxconnection
}

// DefaultConfig returns the server's stated defaults.
func DefaultConfig() Config {
	return Config{
		WorkerParallelism: 2,
		WorkerQueueBound:  100000,
		IdleTimeout:       60 * time.Second,
		MaxConnections:    10000,
	}
}

// Server is the rsync server: one acceptor goroutine, one reader
// goroutine per accepted connection, and a shared bounded worker pool.
type Server struct {
	cfg      Config
	registry Registry
	pool     *pool
	conns    chan struct{} // semaphore bounding concurrent connections

	metrics serverMetrics

	// OnFileTransfer, if set, is called after a successful FileReq
	// response is built, for operational logging (e.g. an audit ledger).
	// It must not block or perform slow I/O — it runs on the worker
	// goroutine that produced the response, ahead of the write itself.
	OnFileTransfer func(dbName string, slotID uint32, filename string, offset, count int64, eof bool, checksum string)

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup // outstanding connection handler goroutines
}

type serverMetrics struct {
	requests   *prometheus.CounterVec
	drops      prometheus.Counter
	queueDepth prometheus.Gauge
}

func newServerMetrics() serverMetrics {
	return serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listkv_rsync_requests_total",
			Help: "Rsync requests handled, by type and result code.",
		}, []string{"type", "code"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listkv_rsync_dropped_total",
			Help: "MetaReq requests silently dropped because a background save was in progress.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listkv_rsync_worker_queue_depth",
			Help: "Current depth of the rsync worker pool's task queue.",
		}),
	}
}

// Registerer exposes this server's metrics on a prometheus registry.
func (s *Server) Registerer(reg prometheus.Registerer) {
	reg.MustRegister(s.metrics.requests, s.metrics.drops, s.metrics.queueDepth)
}

// New constructs a server bound to registry, not yet listening.
func New(cfg Config, registry Registry) *Server {
	m := newServerMetrics()
	s := &Server{
		cfg:      cfg,
		registry: registry,
		metrics:  m,
		conns:    make(chan struct{}, cfg.MaxConnections),
	}
	s.pool = newPool(cfg.WorkerParallelism, cfg.WorkerQueueBound, m.queueDepth)
	return s
}

// Serve listens on cfg.ListenAddr and accepts connections until ctx is
// cancelled, at which point it stops accepting, closes every open
// connection so its reader goroutine exits, waits for those goroutines,
// and then closes the worker pool. Tasks already queued still run, but
// Serve returns without waiting for them to finish.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.ListenAddr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.ln.Close()
		s.mu.Unlock()
	}()

	log.Printf("rsyncserver: listening on %s", s.cfg.ListenAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				break
			}
			log.Printf("rsyncserver: accept error: %v", err)
			continue
		}

		select {
		case s.conns <- struct{}{}:
		default:
			// At the connection cap; refuse immediately rather than
			// queuing, matching maxconnection's role as a hard accept cap.
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.conns }()
			connDone := make(chan struct{})
			defer close(connDone)
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-connDone:
				}
			}()
			s.handleConn(conn)
		}()
	}

	s.wg.Wait()
	s.pool.Close()
	return nil
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	c := &serverConn{nc: nc}

	for {
		if s.cfg.IdleTimeout > 0 {
			nc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		payload, err := rsyncproto.ReadFrame(nc)
		if err != nil {
			return // EOF, parse error, or idle timeout all close the connection
		}

		var req rsyncproto.Request
		if _, err := req.UnmarshalMsg(payload); err != nil {
			return
		}

		s.pool.Submit(func() {
			s.dispatch(c, req)
		})
	}
}

// serverConn serializes frame writes to one connection: multiple worker
// tasks for the same connection can finish out of order, so only the
// byte-level write itself needs mutual exclusion.
type serverConn struct {
	nc      net.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return rsyncproto.WriteFrame(c.nc, payload)
}
