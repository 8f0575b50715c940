package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Telephony provider
	ProviderBaseURL      string `env:"PROVIDER_BASE_URL"`
	ProviderClientID     string `env:"PROVIDER_CLIENT_ID"`
	ProviderClientSecret string `env:"PROVIDER_CLIENT_SECRET"`
	ProviderJWT          string `env:"PROVIDER_JWT"`

	// Transcription service
	ASRBaseURL          string `env:"ASR_BASE_URL" envDefault:"https://api.speech.example.com/v1"`
	ASRAPIKey           string `env:"ASR_API_KEY"`
	ASROrg              string `env:"ASR_ORG"`
	ASRLanguage         string `env:"ASR_LANGUAGE" envDefault:"en-US"`
	ASREngine           string `env:"ASR_ENGINE" envDefault:"full"`
	ASRMaxWaitSeconds   int    `env:"ASR_MAX_WAIT_SECONDS" envDefault:"3600"`
	ASRPollSeconds      int    `env:"ASR_POLL_INTERVAL_SECONDS" envDefault:"3"`
	ASRMaxRetries       int    `env:"ASR_MAX_RETRIES" envDefault:"3"`
	ASRRetrySeconds     int    `env:"ASR_RETRY_DELAY_SECONDS" envDefault:"5"`
	ASRSummarySentences int    `env:"ASR_SUMMARY_SENTENCES" envDefault:"10"`
	ASRDiarization      bool   `env:"ASR_DIARIZATION" envDefault:"false"`
	ASRVocabulary       string `env:"ASR_VOCABULARY"`
	ASRPrompt           string `env:"ASR_PROMPT"`

	// Cloud file store
	FileStoreBackend      string `env:"FILESTORE_BACKEND"`
	FileStoreCredentials  string `env:"FILESTORE_CREDENTIALS_PATH"`
	FileStoreRootFolderID string `env:"FILESTORE_ROOT_FOLDER_ID"`
	FileStoreLocalDir     string `env:"FILESTORE_LOCAL_DIR" envDefault:"./artifacts"`
	S3Bucket              string `env:"S3_BUCKET"`
	S3Region              string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint            string `env:"S3_ENDPOINT"`
	S3AccessKey           string `env:"S3_ACCESS_KEY"`
	S3SecretKey           string `env:"S3_SECRET_KEY"`

	DatabaseURL string `env:"DB_URL"`

	// Local staging for downloaded audio; must be writable and exclusive
	// to this process.
	StageDir     string `env:"STAGE_DIR" envDefault:"./stage"`
	AuditLogPath string `env:"AUDIT_LOG_PATH"`
	SecureDelete bool   `env:"SECURE_DELETE" envDefault:"true"`

	// Pipeline
	ConcurrencyTranscribe int `env:"CONCURRENCY_TRANSCRIBE" envDefault:"3"`
	ConcurrencyPersist    int `env:"CONCURRENCY_PERSIST" envDefault:"3"`
	WindowDays            int `env:"WINDOW_DAYS" envDefault:"1"`
	PageSize              int `env:"PAGE_SIZE" envDefault:"100"`

	// Operational
	HTTPAddr string `env:"HTTP_ADDR"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// The *_SECONDS keys are plain integers in the environment; expose them
// as durations.
func (c *Config) ASRMaxWait() time.Duration {
	return time.Duration(c.ASRMaxWaitSeconds) * time.Second
}

func (c *Config) ASRPollInterval() time.Duration {
	return time.Duration(c.ASRPollSeconds) * time.Second
}

func (c *Config) ASRRetryDelay() time.Duration {
	return time.Duration(c.ASRRetrySeconds) * time.Second
}

// Load reads configuration from a .env file (silent if missing) and the
// environment. Call Validate before using the result.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = filepath.Join(cfg.StageDir, "deletion_audit.log")
	}
	if cfg.FileStoreBackend == "" {
		if cfg.FileStoreCredentials != "" {
			cfg.FileStoreBackend = "drive"
		} else if cfg.S3Bucket != "" {
			cfg.FileStoreBackend = "s3"
		} else {
			cfg.FileStoreBackend = "local"
		}
	}

	return cfg, nil
}

// Validate checks the invariants a run cannot start without. Errors from
// here map to exit code 2.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	if c.ProviderJWT == "" && (c.ProviderClientID == "" || c.ProviderClientSecret == "") {
		return fmt.Errorf("provider credentials required: PROVIDER_JWT or PROVIDER_CLIENT_ID + PROVIDER_CLIENT_SECRET")
	}
	if c.ASRAPIKey == "" {
		return fmt.Errorf("ASR_API_KEY is required")
	}
	if c.StageDir == "" {
		return fmt.Errorf("STAGE_DIR is required")
	}
	switch c.FileStoreBackend {
	case "drive":
		if c.FileStoreCredentials == "" || c.FileStoreRootFolderID == "" {
			return fmt.Errorf("drive backend requires FILESTORE_CREDENTIALS_PATH and FILESTORE_ROOT_FOLDER_ID")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("s3 backend requires S3_BUCKET")
		}
	case "local":
	default:
		return fmt.Errorf("unknown FILESTORE_BACKEND %q (want drive, s3 or local)", c.FileStoreBackend)
	}
	if c.ConcurrencyTranscribe < 1 || c.ConcurrencyPersist < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.WindowDays < 1 {
		return fmt.Errorf("WINDOW_DAYS must be at least 1")
	}
	return nil
}
