package rsyncserver

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dragonlist/listkv/rsyncproto"
)

type fakePartition struct {
	bgSaving bool
	files    []string
	uuid     string
	metaErr  error

	data    []byte
	eof     bool
	sum     string
	readErr error
}

func (p *fakePartition) IsBgSaving() bool { return p.bgSaving }

func (p *fakePartition) Meta() ([]string, string, error) {
	return p.files, p.uuid, p.metaErr
}

func (p *fakePartition) ReadFile(filename string, offset, count int64) ([]byte, bool, string, error) {
	return p.data, p.eof, p.sum, p.readErr
}

type fakeRegistry map[string]Partition

func (r fakeRegistry) Lookup(dbName string, slotID uint32) (Partition, bool) {
	p, ok := r[dbName]
	return p, ok
}

// connRecorder is a net.Conn stand-in that only needs Write to work, for
// capturing a dispatched response frame.
type connRecorder struct {
	net.Conn
	buf bytes.Buffer
}

func (c *connRecorder) Write(p []byte) (int, error) { return c.buf.Write(p) }

func newServerForTest(registry Registry) *Server {
	return New(Config{
		WorkerParallelism: 1,
		WorkerQueueBound:  16,
		IdleTimeout:       time.Second,
		MaxConnections:    16,
	}, registry)
}

func TestDispatchUnknownPartitionRespondsErr(t *testing.T) {
	s := newServerForTest(fakeRegistry{})
	rec := &connRecorder{}
	c := &serverConn{nc: rec}

	s.dispatch(c, rsyncproto.Request{Type: rsyncproto.MsgMeta, DBName: "nope", SlotID: 0})

	var resp rsyncproto.Response
	readOneResponse(t, &rec.buf, &resp)
	require.Equal(t, rsyncproto.CodeErr, resp.Code)
}

func TestDispatchMetaReqBgSavingDrops(t *testing.T) {
	reg := fakeRegistry{"db": &fakePartition{bgSaving: true}}
	s := newServerForTest(reg)
	rec := &connRecorder{}
	c := &serverConn{nc: rec}

	s.dispatch(c, rsyncproto.Request{Type: rsyncproto.MsgMeta, DBName: "db", SlotID: 0})

	require.Zero(t, rec.buf.Len(), "a bgsave-in-progress MetaReq must be silently dropped")
}

func TestDispatchMetaReqSuccess(t *testing.T) {
	reg := fakeRegistry{"db": &fakePartition{files: []string{"a.sst"}, uuid: "u1"}}
	s := newServerForTest(reg)
	rec := &connRecorder{}
	c := &serverConn{nc: rec}

	s.dispatch(c, rsyncproto.Request{Type: rsyncproto.MsgMeta, DBName: "db", SlotID: 0})

	var resp rsyncproto.Response
	readOneResponse(t, &rec.buf, &resp)
	require.Equal(t, rsyncproto.CodeOk, resp.Code)
	require.Equal(t, "u1", resp.SnapshotUUID)
	require.Equal(t, []string{"a.sst"}, resp.Meta.Filenames)
}

func TestDispatchFileReqSuccess(t *testing.T) {
	reg := fakeRegistry{"db": &fakePartition{uuid: "u1", data: []byte("hello"), eof: true, sum: "deadbeef"}}
	s := newServerForTest(reg)

	var gotOffset, gotCount int64
	var gotEOF bool
	var gotChecksum string
	s.OnFileTransfer = func(dbName string, slotID uint32, filename string, offset, count int64, eof bool, checksum string) {
		gotOffset, gotCount, gotEOF, gotChecksum = offset, count, eof, checksum
	}

	rec := &connRecorder{}
	c := &serverConn{nc: rec}
	s.dispatch(c, rsyncproto.Request{
		Type: rsyncproto.MsgFile, DBName: "db", SlotID: 0,
		File: rsyncproto.FileReq{Filename: "a.sst", Offset: 0, Count: 1024},
	})

	var resp rsyncproto.Response
	readOneResponse(t, &rec.buf, &resp)
	require.Equal(t, rsyncproto.CodeOk, resp.Code)
	require.Equal(t, []byte("hello"), resp.File.Data)
	require.True(t, resp.File.EOF)
	require.Equal(t, "deadbeef", resp.File.Checksum)

	require.Zero(t, gotOffset)
	require.EqualValues(t, 5, gotCount)
	require.True(t, gotEOF)
	require.Equal(t, "deadbeef", gotChecksum)
}

func TestDispatchFileReqReaderFailureRespondsErr(t *testing.T) {
	reg := fakeRegistry{"db": &fakePartition{uuid: "u1", readErr: errTestRead}}
	s := newServerForTest(reg)
	rec := &connRecorder{}
	c := &serverConn{nc: rec}

	s.dispatch(c, rsyncproto.Request{
		Type: rsyncproto.MsgFile, DBName: "db", SlotID: 0,
		File: rsyncproto.FileReq{Filename: "missing.sst"},
	})

	var resp rsyncproto.Response
	readOneResponse(t, &rec.buf, &resp)
	require.Equal(t, rsyncproto.CodeErr, resp.Code)
}

func readOneResponse(t *testing.T, buf *bytes.Buffer, resp *rsyncproto.Response) {
	t.Helper()
	payload, err := rsyncproto.ReadFrame(buf)
	require.NoError(t, err)
	_, err = resp.UnmarshalMsg(payload)
	require.NoError(t, err)
}

var errTestRead = errTest("simulated read failure")

type errTest string

func (e errTest) Error() string { return string(e) }
