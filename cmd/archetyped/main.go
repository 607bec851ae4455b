package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	app "github.com/archetype-labs/archetyped/internal/app"
	"github.com/archetype-labs/archetyped/internal/app/storage/postgres"
	"github.com/archetype-labs/archetyped/internal/platform/database"
	"github.com/archetype-labs/archetyped/internal/platform/migrations"
	"github.com/archetype-labs/archetyped/pkg/config"
	"github.com/archetype-labs/archetyped/pkg/logger"
)

func main() {
	dsnFlag := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*dsnFlag); trimmed != "" {
		cfg.Database.DSN = trimmed
	}

	log_ := logger.New(logger.LoggingConfig(cfg.Logging))

	stores := app.Stores{}
	var db *sql.DB

	rootCtx := context.Background()
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		db, err = database.Open(rootCtx, dsn)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		stores = app.Stores{Store: postgres.New(db)}
	}
	if db != nil {
		defer db.Close()
	}

	var opts []app.Option
	if db != nil {
		opts = append(opts, app.WithDB(db))
	}

	application, err := app.New(stores, cfg, log_, opts...)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.Printf("archetyped controller running (backend=%s)", backendLabel(db))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func backendLabel(db *sql.DB) string {
	if db == nil {
		return "memory"
	}
	return "postgres"
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func loadConfig(path string) (*config.Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return config.Load()
	}
	switch strings.ToLower(filepath.Ext(trimmed)) {
	case ".json":
		return config.LoadConfig(trimmed)
	default:
		return config.LoadFile(trimmed)
	}
}
