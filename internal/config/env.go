package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/kazz187/packetguild/pkg/storage"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// APIKey guards the status API when set.
	APIKey string `envconfig:"API_KEY"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".packetguild/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"packetguild/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// SQLite settings (used when Type == "sqlite")
	SQLiteDSN string `envconfig:"SQLITE_DSN" default:".packetguild/packetguild.db"`
}

// CoordEnv holds the coordination knobs. These are the only place the
// defaults live; components take explicit values.
type CoordEnv struct {
	TickInterval   time.Duration `envconfig:"TICK_INTERVAL" default:"30s"`
	MaxTicks       int           `envconfig:"MAX_TICKS" default:"1200"`
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"5"`
}

type Env struct {
	BaseEnv
	StorageEnv
	CoordEnv
}

const namespace = "PACKETGUILD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.CoordEnv.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *CoordEnv) Validate() error {
	if e.TickInterval <= 0 {
		return fmt.Errorf("%s_TICK_INTERVAL must be positive, got %s", namespace, e.TickInterval)
	}
	if e.MaxTicks <= 0 {
		return fmt.Errorf("%s_MAX_TICKS must be positive, got %d", namespace, e.MaxTicks)
	}
	if e.MaxConcurrency <= 0 {
		return fmt.Errorf("%s_MAX_CONCURRENCY must be positive, got %d", namespace, e.MaxConcurrency)
	}
	return nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// OpenStorage builds the backend selected by Type. The returned close
// function releases backend resources and is never nil.
func (e *StorageEnv) OpenStorage(ctx context.Context) (storage.Storage, func() error, error) {
	noop := func() error { return nil }
	switch e.Type {
	case "s3":
		if e.S3Bucket == "" {
			return nil, noop, fmt.Errorf("%s_S3_BUCKET is required for s3 storage", namespace)
		}
		s, err := storage.NewS3Storage(ctx, e.S3Bucket, e.S3Prefix, e.S3Region)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return s, noop, nil
	case "sqlite":
		s, err := storage.NewSQLiteStorage(ctx, e.SQLiteDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create sqlite storage: %w", err)
		}
		return s, s.Close, nil
	case "local", "":
		s, err := storage.NewLocalStorage(e.BaseDir)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create local storage: %w", err)
		}
		return s, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage type %q", e.Type)
	}
}
