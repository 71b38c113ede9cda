package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/leadforge/leadgen-pipeline/internal/config"
	"github.com/leadforge/leadgen-pipeline/internal/dedupe"
	"github.com/leadforge/leadgen-pipeline/internal/emailgen"
	"github.com/leadforge/leadgen-pipeline/internal/enrich"
	"github.com/leadforge/leadgen-pipeline/internal/mxrouter"
	"github.com/leadforge/leadgen-pipeline/internal/orchestrator"
	"github.com/leadforge/leadgen-pipeline/internal/pkg/distlock"
	"github.com/leadforge/leadgen-pipeline/internal/pkg/httpretry"
	"github.com/leadforge/leadgen-pipeline/internal/querygen"
	"github.com/leadforge/leadgen-pipeline/internal/sender"
	"github.com/leadforge/leadgen-pipeline/internal/serp"
	"github.com/leadforge/leadgen-pipeline/internal/sheetsync"
	"github.com/leadforge/leadgen-pipeline/internal/yandex"
)

func main() {
	var (
		mode         = flag.String("mode", "once", "run mode: once or loop")
		pollInterval = flag.Duration("poll-interval", 0, "tick interval in loop mode (overrides config)")
		batchSize    = flag.Int("batch-size", 0, "rows per pipeline stage (overrides config)")
		configPath   = flag.String("config", "config.yaml", "path to config file")
	)
	flag.Parse()

	if err := run(*mode, *pollInterval, *batchSize, *configPath); err != nil {
		log.Printf("[Orchestrator] Fatal: %v", err)
		os.Exit(1)
	}
}

func run(mode string, pollInterval time.Duration, batchSize int, configPath string) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.App.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	if batchSize <= 0 {
		batchSize = cfg.Orchestrator.BatchSize
	}
	if pollInterval <= 0 {
		pollInterval = cfg.Orchestrator.PollInterval()
	}

	db, err := openDB(cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := openRedis(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	search, err := buildSearchClient(cfg.Yandex, loc)
	if err != nil {
		return err
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

	var sheets orchestrator.SheetSyncer
	if cfg.SheetSync.Enabled && cfg.GoogleSheets.SheetID != "" {
		adapter, err := sheetsync.NewGoogleSheetAdapter(context.Background(), sheetsync.GoogleSheetConfig{
			SheetID: cfg.GoogleSheets.SheetID,
			TabName: cfg.GoogleSheets.TabName,
			KeyFile: cfg.GoogleSheets.SAKeyFile,
			KeyJSON: cfg.GoogleSheets.SAKeyJSON,
		})
		if err != nil {
			return fmt.Errorf("build sheet adapter: %w", err)
		}
		sheets = sheetsync.NewService(adapter, sheetsync.NewQueryStore(db), generator)
	}

	window, err := sender.ParseWindow(cfg.Sending.WindowStart, cfg.Sending.WindowEnd, loc)
	if err != nil {
		return fmt.Errorf("parse send window: %w", err)
	}

	router := mxrouter.New(mxrouter.Config{
		Enabled:        cfg.Routing.Enabled,
		CacheTTLHours:  cfg.Routing.MXCacheTTLHrs,
		DNSTimeoutMS:   cfg.Routing.DNSTimeoutMS,
		Resolvers:      cfg.Routing.DNSResolvers,
		RUMXPatterns:   cfg.Routing.RUMXPatterns,
		ForceRUDomains: cfg.Routing.ForceRUDomains,
	})

	gmail := smtpChannel(cfg.Gmail, "gmail")
	yandexSMTP := smtpChannel(cfg.YandexSMTP, "yandex")

	deliverer := sender.New(sender.Config{
		DB:             db,
		Router:         router,
		Transport:      sender.NewSMTPTransport(),
		Gmail:          gmail,
		Yandex:         yandexSMTP,
		Window:         window,
		SendingEnabled: cfg.Sending.Enabled,
	})
	scheduler := sender.NewScheduler(db, window, cfg.Sending.MinDelay(), cfg.Sending.MaxDelay())

	emailGen := emailgen.New(emailgen.Config{
		APIKey:      cfg.OpenAI.APIKey,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
	})

	enricher := enrich.New(db, &http.Client{Timeout: cfg.Enrich.Timeout()}, cfg.Enrich.HomepageExcerptLimit)

	orch := orchestrator.New(orchestrator.Config{
		Store:             orchestrator.NewStore(db),
		Search:            search,
		Ingestor:          serp.NewIngestor(db),
		Deduper:           dedupe.New(db),
		Enricher:          enricher,
		Generator:         emailGen,
		Queuer:            scheduler,
		Deliverer:         deliverer,
		Sheets:            sheets,
		Lock:              distlock.NewLock(redisClient, db, "orchestrator-tick", 2*pollInterval+time.Minute),
		BatchSize:         batchSize,
		SheetSyncEnabled:  cfg.SheetSync.Enabled,
		SheetSyncInterval: cfg.SheetSync.Interval(),
		SheetBatchTag:     cfg.SheetSync.BatchTag,
		Offer:             defaultOffer(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "once":
		_, err := orch.RunOnce(ctx)
		return err
	case "loop":
		log.Printf("[Orchestrator] Loop mode, tick every %s", pollInterval)
		if err := orch.RunLoop(ctx, pollInterval); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func openDB(cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openRedis(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[Orchestrator] Redis disabled: %v", err)
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[Orchestrator] Redis unreachable, falling back to advisory locks: %v", err)
		client.Close()
		return nil
	}
	return client
}

func buildSearchClient(cfg config.YandexConfig, loc *time.Location) (*yandex.Client, error) {
	tokens, err := buildTokenProvider(cfg)
	if err != nil {
		return nil, err
	}

	window := yandex.DefaultNightWindow(loc)
	window.Enabled = cfg.EnforceNightWindow
	if cfg.EnforceNightWindow {
		window.Start, window.End = nightHours(cfg.NightWindowStart, cfg.NightWindowEnd)
	}

	return yandex.NewClient(yandex.ClientConfig{
		FolderID:    cfg.FolderID,
		Tokens:      tokens,
		HTTP:        httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, 3),
		NightWindow: window,
	})
}

func buildTokenProvider(cfg config.YandexConfig) (yandex.TokenProvider, error) {
	if cfg.IAMToken != "" {
		return yandex.NewStaticTokenProvider(cfg.IAMToken), nil
	}

	var key *yandex.ServiceAccountKey
	var err error
	switch {
	case cfg.SAKeyFile != "":
		key, err = yandex.LoadServiceAccountKey(cfg.SAKeyFile)
	case cfg.SAKeyJSON != "":
		key, err = yandex.ParseServiceAccountKey([]byte(cfg.SAKeyJSON))
	default:
		return nil, fmt.Errorf("yandex credentials missing: set an IAM token or a service account key")
	}
	if err != nil {
		return nil, fmt.Errorf("load service account key: %w", err)
	}
	return yandex.NewIAMTokenProvider(key, httpretry.NewRetryClient(nil, 3)), nil
}

// nightHours converts "HH:MM" window bounds to whole hours with an
// exclusive end, so "00:00".."07:59" becomes [0, 8).
func nightHours(start, end string) (int, int) {
	startHour := hourOf(start, 0)
	endHour := hourOf(end, 7)
	if minuteOf(end) > 0 {
		endHour++
	}
	return startHour, endHour
}

func hourOf(value string, fallback int) int {
	var h, m int
	if _, err := fmt.Sscanf(value, "%d:%d", &h, &m); err != nil {
		return fallback
	}
	return h
}

func minuteOf(value string) int {
	var h, m int
	if _, err := fmt.Sscanf(value, "%d:%d", &h, &m); err != nil {
		return 0
	}
	return m
}

func smtpChannel(cfg config.SMTPConfig, provider string) sender.Channel {
	return sender.Channel{
		Provider:  provider,
		Host:      cfg.Host,
		Port:      cfg.Port,
		SSL:       cfg.SSL,
		StartTLS:  cfg.TLS,
		Username:  cfg.Username,
		Password:  cfg.Password,
		FromEmail: cfg.FromEmail,
		FromName:  cfg.FromName,
	}
}

func defaultOffer() emailgen.OfferBrief {
	return emailgen.OfferBrief{
		Pains: []string{
			"заявки с сайта теряются или обрабатываются с опозданием",
			"реклама приводит посетителей, но мало кто оставляет контакты",
		},
		ValueProposition: "настраиваем автоматический сбор и обработку заявок, чтобы ни один лид не пропадал",
		CallToAction:     "ответьте на это письмо, и мы пришлём короткий разбор вашей воронки",
	}
}
