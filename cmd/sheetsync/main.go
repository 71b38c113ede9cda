package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/leadforge/leadgen-pipeline/internal/config"
	"github.com/leadforge/leadgen-pipeline/internal/querygen"
	"github.com/leadforge/leadgen-pipeline/internal/sheetsync"
)

func main() {
	var (
		batchTag   = flag.String("batch-tag", "", "only sync rows with this batch_tag (overrides config)")
		configPath = flag.String("config", "config.yaml", "path to config file")
	)
	flag.Parse()

	if err := run(*batchTag, *configPath); err != nil {
		log.Printf("[SheetSync] Fatal: %v", err)
		os.Exit(1)
	}
}

func run(batchTag, configPath string) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.App.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	if batchTag == "" {
		batchTag = cfg.SheetSync.BatchTag
	}
	if cfg.GoogleSheets.SheetID == "" {
		return fmt.Errorf("GOOGLE_SHEET_ID is not set")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	generator, err := querygen.New(querygen.Config{
		WindowStart:    cfg.Yandex.NightWindowStart,
		WindowEnd:      cfg.Yandex.NightWindowEnd,
		RegionFallback: cfg.Yandex.Region,
		Location:       loc,
	})
	if err != nil {
		return fmt.Errorf("build query generator: %w", err)
	}

	adapter, err := sheetsync.NewGoogleSheetAdapter(ctx, sheetsync.GoogleSheetConfig{
		SheetID: cfg.GoogleSheets.SheetID,
		TabName: cfg.GoogleSheets.TabName,
		KeyFile: cfg.GoogleSheets.SAKeyFile,
		KeyJSON: cfg.GoogleSheets.SAKeyJSON,
	})
	if err != nil {
		return fmt.Errorf("build sheet adapter: %w", err)
	}

	service := sheetsync.NewService(adapter, sheetsync.NewQueryStore(db), generator)
	summary, err := service.Sync(ctx, batchTag)
	if err != nil {
		return err
	}
	if summary.Errors > 0 {
		return fmt.Errorf("%d of %d rows failed", summary.Errors, summary.ProcessedRows)
	}
	return nil
}
