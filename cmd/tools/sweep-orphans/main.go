// Command sweep-orphans reclaims processed artifact trees whose metadata
// record no longer exists. The running services sweep on an interval; this
// tool runs a single pass, for operators recovering disk space after a crash
// or verifying a migration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vodworks/internal/cleanup"
	"vodworks/internal/layout"
	"vodworks/internal/observability/logging"
	"vodworks/internal/storage"
)

func main() {
	_ = godotenv.Load()

	dataPath := flag.String("data", "data/store.json", "path to JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string (overrides -data)")
	mediaDir := flag.String("media", "data/media", "media root directory")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the sweep")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: "info"})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := openStore(ctx, *postgresDSN, *dataPath)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	manager, err := layout.NewManager(*mediaDir)
	if err != nil {
		logger.Error("failed to open media root", "error", err)
		os.Exit(1)
	}

	coordinator, err := cleanup.New(cleanup.Config{
		Store:  store,
		Layout: manager,
		Logger: logging.WithComponent(logger, "cleanup"),
	})
	if err != nil {
		logger.Error("failed to build cleanup coordinator", "error", err)
		os.Exit(1)
	}

	reclaimed, err := coordinator.SweepOrphans(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err, "reclaimed", len(reclaimed))
		os.Exit(1)
	}
	for _, id := range reclaimed {
		fmt.Println(id)
	}
	logger.Info("sweep complete", "reclaimed", len(reclaimed))
}

func openStore(ctx context.Context, dsn, dataPath string) (storage.Repository, error) {
	dsn = strings.TrimSpace(firstOf(dsn, os.Getenv("VODWORKS_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	if dsn != "" {
		return storage.NewPostgresRepository(ctx, dsn)
	}
	return storage.NewJSONRepository(dataPath)
}

func firstOf(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
