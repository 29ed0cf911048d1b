// Command example wires a minimal leafsync engine against a local
// BadgerDB-backed store replicating to an in-memory remote, exercising
// put/get and a one-shot push replication.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/i5heu/leafsync"
	"github.com/i5heu/leafsync/internal/config"
	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/docdb/memdb"
	"github.com/i5heu/leafsync/pkg/model"
)

func main() {
	ctx := context.Background()

	dataDir, err := filepath.Abs(filepath.Join("leafsync-example-data", fmt.Sprintf("%d", time.Now().UnixNano())))
	if err != nil {
		log.Fatalf("resolve data dir: %v", err)
	}

	remote := memdb.New()

	cfg := config.Config{
		DBName:        "example",
		Path:          dataDir,
		MinimumFreeGB: 0,
		BatchSize:     50,
		BatchesLimit:  5,
	}
	cfg = withDefaults(cfg)

	caps := leafsync.Capabilities{
		ConnectRemote: func(context.Context) (docdb.DB, error) {
			return remote, nil
		},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	engine, err := leafsync.New(cfg, caps, logger)
	if err != nil {
		log.Fatalf("construct engine: %v", err)
	}

	if err := engine.InitializeDatabase(ctx); err != nil {
		log.Fatalf("initialize database: %v", err)
	}
	defer engine.Close()

	note := model.Note{ID: "hello.md", Type: model.TypeNewNote, Data: "hello, leafsync"}
	written, err := engine.PutDBEntry(ctx, note, false)
	if err != nil {
		log.Fatalf("put entry: %v", err)
	}
	fmt.Printf("wrote %s with %d leaf(ves), rev=%s\n", written.ID, len(written.Children), written.Rev)

	got, err := engine.GetDBEntry(ctx, "hello.md", false, false)
	if err != nil {
		log.Fatalf("get entry: %v", err)
	}
	fmt.Printf("read back: %q\n", got.Data)

	if err := engine.ConnectRemote(ctx); err != nil {
		log.Fatalf("connect remote: %v", err)
	}
	if err := engine.ReplicateAllToServer(ctx); err != nil {
		log.Fatalf("replicate to server: %v", err)
	}
	fmt.Println("replicated to remote")
}

func withDefaults(cfg config.Config) config.Config {
	if cfg.CustomChunkSize <= 0 {
		cfg.CustomChunkSize = 1
	}
	if cfg.MaxDocSizeBin <= 0 {
		cfg.MaxDocSizeBin = 1024 * 1024
	}
	if cfg.MaxDocSize <= 0 {
		cfg.MaxDocSize = 512 * 1024
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 10 * 1024 * 1024
	}
	if cfg.LeafWaitTimeoutMS <= 0 {
		cfg.LeafWaitTimeoutMS = 10000
	}
	if cfg.HashCacheSize <= 0 {
		cfg.HashCacheSize = 1024
	}
	return cfg
}
