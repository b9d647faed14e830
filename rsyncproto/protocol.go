// Package rsyncproto implements the rsync wire protocol: a length-prefixed
// frame carrying a tagged-union request or response.
//
// Frames are encoded with the tinylib/msgp runtime: MarshalMsg/UnmarshalMsg
// methods are written directly against msgp.AppendXxx/msgp.ReadXxxBytes
// rather than generated by `msgp generate`. Structs are encoded in msgp's
// "tuple" mode: every field serializes in declared order as a fixed-length
// array, so a request's unused variant (e.g. FileReq on a MetaReq) still
// occupies its array slot with a zero value — simpler than a discriminated
// encoding and cheap, since frames are small.
package rsyncproto

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/tinylib/msgp/msgp"
)

// ErrProtocol marks a malformed frame; the connection holding it is
// closed.
var ErrProtocol = errors.New("rsyncproto: malformed frame")

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 8 << 20 // 8 MiB: FileResp carries up to 1 MiB of file data plus framing overhead

// MsgType distinguishes the two request/response kinds.
type MsgType uint8

const (
	MsgMeta MsgType = 1
	MsgFile MsgType = 2
)

// Code is the response status.
type Code uint8

const (
	CodeOk  Code = 0
	CodeErr Code = 1
)

// FileReq is the FileReq variant of a Request.
type FileReq struct {
	Filename string
	Offset   uint64
	Count    uint64
}

// Request is the tagged-union request frame payload.
type Request struct {
	Type   MsgType
	DBName string
	SlotID uint32
	File   FileReq // only meaningful when Type == MsgFile
}

// MetaResp is the MetaResp variant of a Response.
type MetaResp struct {
	Filenames []string
}

// FileResp is the FileResp variant of a Response.
type FileResp struct {
	Filename string
	Offset   uint64
	Count    uint64
	Data     []byte
	EOF      bool
	Checksum string
}

// Response is the tagged-union response frame payload.
type Response struct {
	Code         Code
	Type         MsgType
	DBName       string
	SlotID       uint32
	SnapshotUUID string
	Meta         MetaResp // only meaningful when Type == MsgMeta and Code == CodeOk
	File         FileResp // only meaningful when Type == MsgFile and Code == CodeOk
}

// MarshalMsg appends req's tuple encoding to b.
func (req Request) MarshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 6)
	b = msgp.AppendUint8(b, uint8(req.Type))
	b = msgp.AppendString(b, req.DBName)
	b = msgp.AppendUint32(b, req.SlotID)
	b = msgp.AppendString(b, req.File.Filename)
	b = msgp.AppendUint64(b, req.File.Offset)
	b = msgp.AppendUint64(b, req.File.Count)
	return b
}

// UnmarshalMsg decodes a Request from the start of b, returning unread
// trailing bytes.
func (req *Request) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 6 {
		return b, protoErr("request array header")
	}
	var typ uint8
	if typ, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return b, protoErr("request type")
	}
	req.Type = MsgType(typ)
	if req.DBName, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, protoErr("request db_name")
	}
	if req.SlotID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return b, protoErr("request slot_id")
	}
	if req.File.Filename, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, protoErr("request file.filename")
	}
	if req.File.Offset, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, protoErr("request file.offset")
	}
	if req.File.Count, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, protoErr("request file.count")
	}
	return b, nil
}

// MarshalMsg appends resp's tuple encoding to b.
func (resp Response) MarshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 12)
	b = msgp.AppendUint8(b, uint8(resp.Code))
	b = msgp.AppendUint8(b, uint8(resp.Type))
	b = msgp.AppendString(b, resp.DBName)
	b = msgp.AppendUint32(b, resp.SlotID)
	b = msgp.AppendString(b, resp.SnapshotUUID)
	b = msgp.AppendArrayHeader(b, uint32(len(resp.Meta.Filenames)))
	for _, f := range resp.Meta.Filenames {
		b = msgp.AppendString(b, f)
	}
	b = msgp.AppendString(b, resp.File.Filename)
	b = msgp.AppendUint64(b, resp.File.Offset)
	b = msgp.AppendUint64(b, resp.File.Count)
	b = msgp.AppendBytes(b, resp.File.Data)
	b = msgp.AppendBool(b, resp.File.EOF)
	b = msgp.AppendString(b, resp.File.Checksum)
	return b
}

// UnmarshalMsg decodes a Response from the start of b, returning unread
// trailing bytes.
func (resp *Response) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || sz != 12 {
		return b, protoErr("response array header")
	}
	var code, typ uint8
	if code, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return b, protoErr("response code")
	}
	resp.Code = Code(code)
	if typ, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return b, protoErr("response type")
	}
	resp.Type = MsgType(typ)
	if resp.DBName, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, protoErr("response db_name")
	}
	if resp.SlotID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return b, protoErr("response slot_id")
	}
	if resp.SnapshotUUID, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, protoErr("response snapshot_uuid")
	}
	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return b, protoErr("response meta.filenames header")
	}
	resp.Meta.Filenames = nil
	for i := uint32(0); i < n; i++ {
		var f string
		if f, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, protoErr("response meta.filenames[i]")
		}
		resp.Meta.Filenames = append(resp.Meta.Filenames, f)
	}
	if resp.File.Filename, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, protoErr("response file.filename")
	}
	if resp.File.Offset, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, protoErr("response file.offset")
	}
	if resp.File.Count, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, protoErr("response file.count")
	}
	if resp.File.Data, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
		return b, protoErr("response file.data")
	}
	if resp.File.EOF, b, err = msgp.ReadBoolBytes(b); err != nil {
		return b, protoErr("response file.eof")
	}
	if resp.File.Checksum, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, protoErr("response file.checksum")
	}
	return b, nil
}

func protoErr(field string) error {
	return errors.Mark(errors.Wrapf(ErrProtocol, "field %s", field), ErrProtocol)
}

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload. The prefix and the payload are two separate writes, so callers
// sharing w across goroutines must serialize their calls.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame's payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, protoErr("frame length exceeds maximum")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
