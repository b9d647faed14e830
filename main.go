package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"

	"github.com/dragonlist/listkv/engine"
	"github.com/dragonlist/listkv/rsyncserver"
	"github.com/dragonlist/listkv/snapshot"
)

// Config carries the process's configuration keys, unmarshaled from
// config.yml.
type Config struct {
	Port            int             `yaml:"port"`
	ThreadNum       int             `yaml:"thread_num"`
	DBPath          string          `yaml:"db_path"`
	WriteBufferSize int             `yaml:"write_buffer_size"`
	Timeout         int             `yaml:"timeout"`
	DumpPath        string          `yaml:"dump_path"`
	DumpPrefix      string          `yaml:"dump_prefix"`
	MaxConnection   int             `yaml:"maxconnection"`
	AdminAddr       string          `yaml:"admin_addr"`
	AuditDBPath     string          `yaml:"audit_db_path"`
	GCIntervalSec   int             `yaml:"gc_interval_seconds"`
	Partitions      []PartitionSpec `yaml:"partitions"`
}

// PartitionSpec names one (db_name, slot_id) pair to serve.
type PartitionSpec struct {
	Name   string `yaml:"name"`
	SlotID uint32 `yaml:"slot_id"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := Start(ctx); err != nil {
		panic(err)
	}
}

func Start(ctx context.Context) error {
	cfg, err := loadConfig("config.yml")
	if err != nil {
		return err
	}

	registry := NewRegistry()
	engineCfg := engine.Config{
		WriteBufferSize: cfg.WriteBufferSize,
		GCInterval:      time.Duration(cfg.GCIntervalSec) * time.Second,
	}
	if engineCfg.GCInterval <= 0 {
		engineCfg.GCInterval = time.Minute
	}

	for _, pspec := range cfg.Partitions {
		pspec := pspec
		p, err := registry.Open(pspec.Name, pspec.SlotID, cfg.DBPath, engineCfg, cfg.DumpPath, cfg.DumpPrefix)
		if err != nil {
			return err
		}
		p.Registerer(prometheus.DefaultRegisterer)
		go func() {
			if err := p.GCLoop(ctx); err != nil {
				log.Printf("gc loop for %s/%d stopped: %v", pspec.Name, pspec.SlotID, err)
			}
		}()
		go func() {
			if err := p.FlushLoop(ctx); err != nil {
				log.Printf("flush loop for %s/%d stopped: %v", pspec.Name, pspec.SlotID, err)
			}
		}()
	}

	var ledger *AuditLedger
	if cfg.AuditDBPath != "" {
		ledger, err = OpenAuditLedger(cfg.AuditDBPath)
		if err != nil {
			return err
		}
	}

	watcher := snapshot.NewWatcher()
	admin := NewAdmin(registry, watcher)

	rsCfg := rsyncserver.DefaultConfig()
	rsCfg.ListenAddr = listenAddr(cfg.Port)
	if cfg.ThreadNum > 0 {
		rsCfg.WorkerParallelism = cfg.ThreadNum
	}
	if cfg.Timeout > 0 {
		rsCfg.IdleTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	if cfg.MaxConnection > 0 {
		rsCfg.MaxConnections = cfg.MaxConnection
	}

	server := rsyncserver.New(rsCfg, registry)
	server.Registerer(prometheus.DefaultRegisterer)
	if ledger != nil {
		server.OnFileTransfer = func(dbName string, slotID uint32, filename string, offset, count int64, eof bool, checksum string) {
			if err := ledger.RecordTransfer(dbName, slotID, filename, offset, count, eof, checksum); err != nil {
				log.Printf("audit: %v", err)
			}
		}
	}

	go func() {
		log.Print("rsyncserver START ", rsCfg.ListenAddr)
		if err := server.Serve(ctx); err != nil {
			log.Printf("rsyncserver stopped: %v", err)
		}
	}()

	if cfg.AdminAddr != "" {
		go func() {
			log.Print("admin START ", cfg.AdminAddr)
			if err := serveAdmin(cfg.AdminAddr, admin); err != nil {
				log.Printf("admin server stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	watcher.Stop()
	if ledger != nil {
		ledger.Close()
	}
	return registry.Close()
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func listenAddr(port int) string {
	if port <= 0 {
		port = 6380
	}
	return ":" + strconv.Itoa(port)
}
