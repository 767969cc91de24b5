package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/config"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/migrations"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/pkg/database"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/pkg/utilities"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(utilities.LogConfig{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, database.Config{
		DSN:      cfg.DatabaseURL,
		MaxConns: 1,
		Timeout:  cfg.DatabaseTimeout,
	})
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	if err := migrations.Up(ctx, db.DB); err != nil {
		sugar.Fatalf("migrate: %v", err)
	}
	sugar.Info("migrations applied")
}
