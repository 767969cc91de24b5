package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/config"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/mail"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/migrations"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/otp"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/ratelimit"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/router"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/session"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/token"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user"
	userrepo "github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user/repo"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/pkg/database"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/pkg/utilities"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no fallback secret: refuse to start
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(utilities.LogConfig{
		Level:  cfg.LogLevel,
		Dev:    cfg.LogDev,
		File:   cfg.LogFile,
		MaxAge: cfg.LogMaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Infow("starting smartfin api", "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, database.Config{
		DSN:            cfg.DatabaseURL,
		MaxConns:       cfg.DatabaseMaxConns,
		Timeout:        cfg.DatabaseTimeout,
		TimeZone:       cfg.DatabaseTimeZone,
		ClientEncoding: cfg.DatabaseClientEncoding,
	})
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := migrations.Up(ctx, db.DB); err != nil {
			sugar.Fatalf("migrate: %v", err)
		}
		sugar.Info("migrations applied")
	}

	var limiter, attempts user.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			sugar.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the limiter fails open, so a missing redis only disables throttling
			sugar.Warnw("redis ping failed", "err", err)
		}
		limiter = ratelimit.NewTokenBucket(rdb, ratelimit.Config{
			Prefix: "smartfin",
			Burst:  cfg.ResendBurst,
			Refill: cfg.ResendRefill,
		})
		attempts = ratelimit.NewTokenBucket(rdb, ratelimit.Config{
			Prefix: "smartfin",
			Burst:  cfg.CodeAttemptBurst,
			Refill: cfg.CodeAttemptRefill,
		})
	} else {
		sugar.Warn("REDIS_URL not set, code resends and code attempts are not throttled")
	}

	svc, handler, err := buildHandler(cfg, sugar, userrepo.NewUserRepo(db), limiter, attempts)
	if err != nil {
		sugar.Fatalf("wire: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	// let queued account emails go out
	svc.Wait()
	sugar.Info("goodbye")
}

func buildHandler(cfg *config.Config, logger *zap.SugaredLogger, users *userrepo.UserRepo, limiter, attempts user.Limiter) (*user.Service, http.Handler, error) {
	codec, err := token.NewCodec(token.Config{
		Secret: []byte(cfg.SessionSecret),
		Issuer: cfg.SessionIssuer,
		TTL:    cfg.SessionTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	cookie := session.CookieConfig{Secure: cfg.CookieSecure}
	issuer := session.NewIssuer(codec, cookie)

	var versions session.VersionSource
	if cfg.SessionRevocation {
		versions = users
	}
	verifier := session.NewVerifier(codec, versions, logger)

	var sender mail.Sender = mail.LogSender{Logger: logger}
	if cfg.MailAPIURL != "" {
		sender = mail.NewAPISender(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom, cfg.AppBaseURL)
	}

	ids := utilities.NewIDGenerator(cfg.SnowflakeNode)
	if err := ids.Err(); err != nil {
		return nil, nil, err
	}

	svc := user.NewService(user.Deps{
		Store:  users,
		Hasher: user.BcryptHasher{Cost: cfg.BcryptCost},
		Codes: otp.NewLifecycle(map[otp.Purpose]otp.Policy{
			otp.PurposeEmailVerification: {TTL: cfg.VerificationCodeTTL},
			otp.PurposePasswordReset:     {TTL: cfg.ResetCodeTTL},
		}),
		Mailer:       sender,
		Limiter:      limiter,
		Attempts:     attempts,
		Logger:       logger,
		NewID:        ids.NewID,
		MaxFailed:    cfg.MaxFailedLogins,
		LockDuration: cfg.LockDuration,
	})

	return svc, router.RegisterRoutes(router.Deps{
		Logger:   logger,
		Users:    user.NewHandler(svc, issuer, verifier, logger),
		Verifier: verifier,
		Table:    router.DefaultRouteTable(),
		Guard:    router.GuardConfig{LoginPath: "/login", LandingPath: "/dashboard", Cookie: cookie},
	}), nil
}
