package rsyncserver

import (
	"log"

	"github.com/dragonlist/listkv/rsyncproto"
)

// dispatch routes a request to its MetaReq/FileReq handler. It always runs
// on a worker-pool goroutine, never on the connection's reader goroutine.
func (s *Server) dispatch(c *serverConn, req rsyncproto.Request) {
	p, ok := s.registry.Lookup(req.DBName, req.SlotID)
	if !ok {
		s.respond(c, req, errResponse(req))
		return
	}

	switch req.Type {
	case rsyncproto.MsgMeta:
		s.handleMetaReq(c, req, p)
	case rsyncproto.MsgFile:
		s.handleFileReq(c, req, p)
	default:
		s.respond(c, req, errResponse(req))
	}
}

func (s *Server) handleMetaReq(c *serverConn, req rsyncproto.Request, p Partition) {
	if p.IsBgSaving() {
		// Silently drop: the replica retries. Avoids pinning the
		// connection while a snapshot is being produced.
		s.metrics.drops.Inc()
		return
	}

	files, uuid, err := p.Meta()
	if err != nil {
		s.respond(c, req, errResponse(req))
		return
	}
	s.respond(c, req, rsyncproto.Response{
		Code:         rsyncproto.CodeOk,
		Type:         rsyncproto.MsgMeta,
		DBName:       req.DBName,
		SlotID:       req.SlotID,
		SnapshotUUID: uuid,
		Meta:         rsyncproto.MetaResp{Filenames: files},
	})
}

func (s *Server) handleFileReq(c *serverConn, req rsyncproto.Request, p Partition) {
	_, uuid, err := p.Meta()
	if err != nil {
		s.respond(c, req, errResponse(req))
		return
	}

	data, eof, checksum, err := p.ReadFile(req.File.Filename, int64(req.File.Offset), int64(req.File.Count))
	if err != nil {
		s.respond(c, req, errResponse(req))
		return
	}

	if s.OnFileTransfer != nil {
		s.OnFileTransfer(req.DBName, req.SlotID, req.File.Filename, int64(req.File.Offset), int64(len(data)), eof, checksum)
	}

	s.respond(c, req, rsyncproto.Response{
		Code:         rsyncproto.CodeOk,
		Type:         rsyncproto.MsgFile,
		DBName:       req.DBName,
		SlotID:       req.SlotID,
		SnapshotUUID: uuid,
		File: rsyncproto.FileResp{
			Filename: req.File.Filename,
			Offset:   req.File.Offset,
			Count:    uint64(len(data)),
			Data:     data,
			EOF:      eof,
			Checksum: checksum,
		},
	})
}

func errResponse(req rsyncproto.Request) rsyncproto.Response {
	return rsyncproto.Response{
		Code:   rsyncproto.CodeErr,
		Type:   req.Type,
		DBName: req.DBName,
		SlotID: req.SlotID,
	}
}

func (s *Server) respond(c *serverConn, req rsyncproto.Request, resp rsyncproto.Response) {
	var typeLabel string
	switch req.Type {
	case rsyncproto.MsgMeta:
		typeLabel = "meta"
	case rsyncproto.MsgFile:
		typeLabel = "file"
	default:
		typeLabel = "unknown"
	}
	codeLabel := "ok"
	if resp.Code != rsyncproto.CodeOk {
		codeLabel = "err"
	}
	s.metrics.requests.WithLabelValues(typeLabel, codeLabel).Inc()

	if err := c.writeFrame(resp.MarshalMsg(nil)); err != nil {
		log.Printf("rsyncserver: write response: %v", err)
		c.nc.Close()
	}
}
