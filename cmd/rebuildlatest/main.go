// Command rebuildlatest replays all decision events of a project and
// rewrites the latest-decision projection. Diagnostic tool: on a
// healthy database it reproduces exactly what incremental ingestion
// materialized.
package main

import (
	"context"
	"flag"
	"log"

	"triagedeck/internal/config"
	"triagedeck/pkg/store"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	projectID := flag.String("project", "", "project id to rebuild")
	flag.Parse()

	if *projectID == "" {
		log.Fatal("usage: rebuildlatest -project <project-id>")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	n, err := dataStore.RebuildLatest(context.Background(), *projectID)
	if err != nil {
		log.Fatalf("rebuild failed: %v", err)
	}
	log.Printf("rebuilt %d latest rows for project %s", n, *projectID)
}
