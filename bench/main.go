package main

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dragonlist/listkv/engine"
	"github.com/dragonlist/listkv/listkv"
	"github.com/dragonlist/listkv/rsyncproto"
	"github.com/dragonlist/listkv/snapshot"
)

// BenchmarkRsyncFileReq dials addr parallel times and, on each connection,
// repeatedly issues FileReq for filename, measuring aggregate throughput.
// One goroutine per parallel worker, joined by a WaitGroup.
func BenchmarkRsyncFileReq(addr, dbName string, slotID uint32, filename string, parallel, nPerThread int) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var totalBytes int64

	start := time.Now()
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				panic(err)
			}
			defer conn.Close()

			var offset uint64
			for j := 0; j < nPerThread; j++ {
				req := rsyncproto.Request{
					Type:   rsyncproto.MsgFile,
					DBName: dbName,
					SlotID: slotID,
					File: rsyncproto.FileReq{
						Filename: filename,
						Offset:   offset,
						Count:    snapshot.MaxCopyBlockSize,
					},
				}
				if err := rsyncproto.WriteFrame(conn, req.MarshalMsg(nil)); err != nil {
					panic(err)
				}
				payload, err := rsyncproto.ReadFrame(conn)
				if err != nil {
					panic(err)
				}
				var resp rsyncproto.Response
				if _, err := resp.UnmarshalMsg(payload); err != nil {
					panic(err)
				}
				if resp.Code != rsyncproto.CodeOk {
					panic(fmt.Sprintf("FileReq failed for %s at offset %d", filename, offset))
				}
				mu.Lock()
				totalBytes += int64(len(resp.File.Data))
				mu.Unlock()
				if resp.File.EOF {
					offset = 0
					continue
				}
				offset += resp.File.Count
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()
	log.Printf("BenchmarkRsyncFileReq: %d bytes in %.2fs (%.2f MiB/s)", totalBytes, elapsed, float64(totalBytes)/1024/1024/elapsed)
}

// BenchmarkListPush drives Push directly against an in-process partition
// engine (no network hop), one goroutine per parallel worker pushing
// valueSize-byte values of random letters onto random keys.
func BenchmarkListPush(dbPath string, keys, parallel, nPerThread, valueSize int) {
	eng, err := engine.Open(dbPath, engine.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer eng.Close()

	ctx := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx:
				return
			default:
				eng.Flush()
			}
		}
	}()
	defer close(ctx)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
			val := make([]byte, valueSize)
			for j := 0; j < nPerThread; j++ {
				key := []byte(fmt.Sprintf("bench-key-%d", rnd.Intn(keys)))
				for k := range val {
					val[k] = byte('A' + rnd.Intn(26))
				}
				if err := eng.Update(key, func() error {
					_, err := listkv.Push(eng, key, false, val)
					return err
				}); err != nil {
					panic(err)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()
	total := parallel * nPerThread
	log.Printf("BenchmarkListPush: %d pushes in %.2fs (%.0f ops/s)", total, elapsed, float64(total)/elapsed)
}

func main() {
	if len(os.Args) < 2 {
		log.Print("usage: bench [rsync|push]")
		return
	}
	switch os.Args[1] {
	case "rsync":
		BenchmarkRsyncFileReq("127.0.0.1:6380", "default", 0, "manifest", 8, 1000)
	case "push":
		BenchmarkListPush("/tmp/listkv-bench", 10000, 8, 10000, 64)
	default:
		log.Printf("unknown benchmark %q", os.Args[1])
	}
}
