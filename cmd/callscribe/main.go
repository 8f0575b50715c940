package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/asr"
	"github.com/snarg/callscribe/internal/audit"
	"github.com/snarg/callscribe/internal/config"
	"github.com/snarg/callscribe/internal/database"
	"github.com/snarg/callscribe/internal/faults"
	"github.com/snarg/callscribe/internal/fetch"
	"github.com/snarg/callscribe/internal/filestore"
	"github.com/snarg/callscribe/internal/metrics"
	"github.com/snarg/callscribe/internal/persist"
	"github.com/snarg/callscribe/internal/pipeline"
	"github.com/snarg/callscribe/internal/provider"
	"github.com/snarg/callscribe/internal/ratelimit"
	"github.com/snarg/callscribe/internal/status"
	"github.com/snarg/callscribe/internal/transcribe"
)

var version = "dev"

// Exit codes: 0 all work done, 2 configuration error, 3 upstream auth
// failure, 4 interrupted before the window finished, 1 anything else.
const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitAuth        = 3
	exitInterrupted = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	startTime := time.Now()

	requeue := flag.String("requeue", "", "reset a failed recording back to discovered and exit")
	flag.Parse()

	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		early.Error().Err(err).Msg("failed to load config")
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		early.Error().Err(err).Msg("invalid config")
		return exitConfig
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("callscribe starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		return exitError
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Error().Err(err).Msg("schema init failed")
		return exitError
	}
	if err := db.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("migrations failed")
		return exitError
	}

	if *requeue != "" {
		ok, err := db.ResetFailed(ctx, *requeue)
		if err != nil {
			log.Error().Err(err).Str("recording_id", *requeue).Msg("requeue failed")
			return exitError
		}
		if !ok {
			log.Warn().Str("recording_id", *requeue).Msg("recording is not in the failed state")
			return exitError
		}
		log.Info().Str("recording_id", *requeue).Msg("recording requeued")
		return exitOK
	}

	if err := os.MkdirAll(cfg.StageDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", cfg.StageDir).Msg("cannot create staging directory")
		return exitError
	}

	limiter := ratelimit.New(ratelimit.Options{Classify: classifyEndpoint, Log: log})

	providerClient := provider.NewClient(provider.Options{
		BaseURL:      cfg.ProviderBaseURL,
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		JWT:          cfg.ProviderJWT,
		Limiter:      limiter,
		Log:          log,
	})
	asrClient := asr.NewClient(asr.Options{
		BaseURL: cfg.ASRBaseURL,
		APIKey:  cfg.ASRAPIKey,
		Org:     cfg.ASROrg,
		Limiter: limiter,
		Log:     log,
	})

	files, err := newFileStore(ctx, cfg, limiter, log)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.FileStoreBackend).Msg("file store init failed")
		return exitError
	}
	log.Info().Str("backend", files.Type()).Msg("file store ready")

	auditor, err := audit.New(audit.Options{
		StageDir: cfg.StageDir,
		LogPath:  cfg.AuditLogPath,
		Secure:   cfg.SecureDelete,
		Log:      log,
	})
	if err != nil {
		log.Error().Err(err).Msg("auditor init failed")
		return exitError
	}

	recorder := metrics.NewRecorder()

	fetcher := fetch.New(fetch.Options{
		Provider: providerClient,
		Progress: db,
		PageSize: cfg.PageSize,
		Log:      log,
	})
	transcriber := transcribe.NewWorker(transcribe.Options{
		Service:  asrClient,
		Progress: db,
		Recorder: recorder,
		Config:   cfg,
		Log:      log,
	})
	persister := persist.NewWorker(persist.Options{
		Store:    db,
		Files:    files,
		Deleter:  auditor,
		Recorder: recorder,
		StageDir: cfg.StageDir,
		Log:      log,
	})

	pipe := pipeline.New(pipeline.Options{
		Progress:              db,
		Enumerator:            fetcher,
		Downloader:            providerClient,
		Transcribe:            transcriber,
		Persist:               persister,
		Recorder:              recorder,
		StageDir:              cfg.StageDir,
		TranscribeConcurrency: cfg.ConcurrencyTranscribe,
		PersistConcurrency:    cfg.ConcurrencyPersist,
		Log:                   log,
	})
	prometheus.MustRegister(metrics.NewCollector(db.Pool, pipe))

	var srv *status.Server
	if cfg.HTTPAddr != "" {
		srv = status.NewServer(status.Options{
			Addr:      cfg.HTTPAddr,
			DB:        db,
			Counter:   db,
			Recorder:  recorder,
			Pipeline:  pipe,
			Version:   version,
			StartTime: startTime,
			Log:       log,
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -cfg.WindowDays)
	summary, runErr := pipe.Run(ctx, from, to)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}

	printSummary(summary)

	switch {
	case runErr == nil:
		if summary.Failed > 0 {
			return exitError
		}
		return exitOK
	case faults.KindOf(runErr) == faults.KindAuth:
		log.Error().Err(runErr).Msg("upstream authentication failed")
		return exitAuth
	case faults.KindOf(runErr) == faults.KindCancelled:
		log.Warn().Msg("run interrupted")
		return exitInterrupted
	default:
		log.Error().Err(runErr).Msg("run failed")
		return exitError
	}
}

// classifyEndpoint assigns each outbound endpoint its rate budget group.
func classifyEndpoint(endpoint string) ratelimit.Group {
	switch endpoint {
	case provider.EndpointAuth:
		return ratelimit.GroupAuth
	case provider.EndpointDownload, asr.EndpointSubmit:
		return ratelimit.GroupHeavy
	case provider.EndpointCallLog, asr.EndpointResult, filestore.EndpointFileStore:
		return ratelimit.GroupMedium
	default:
		return ratelimit.GroupLight
	}
}

func newFileStore(ctx context.Context, cfg *config.Config, limiter *ratelimit.Limiter, log zerolog.Logger) (filestore.FileStore, error) {
	switch cfg.FileStoreBackend {
	case "drive":
		return filestore.NewDriveStore(ctx, filestore.DriveConfig{
			CredentialsPath: cfg.FileStoreCredentials,
			RootFolderID:    cfg.FileStoreRootFolderID,
			Limiter:         limiter,
		}, log)
	case "s3":
		return filestore.NewS3Store(ctx, filestore.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Limiter:   limiter,
		}, log)
	case "local":
		return filestore.NewLocalStore(cfg.FileStoreLocalDir), nil
	default:
		return nil, fmt.Errorf("unknown file store backend %q", cfg.FileStoreBackend)
	}
}

// printSummary writes the run summary as JSON on stdout, separate from
// the log stream on purpose: it is the machine-readable result of the run.
func printSummary(s *pipeline.Summary) {
	if s == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(s)
}
