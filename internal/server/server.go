package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/config"
	"github.com/OFFIS-RIT/kinfetch/internal/migrate"
	"github.com/OFFIS-RIT/kinfetch/internal/queue"
	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	mid "github.com/OFFIS-RIT/kinfetch/internal/server/middleware"
	"github.com/OFFIS-RIT/kinfetch/internal/storage"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// NewValidator returns the request validator with the "fsid" rule for
// tree person ids.
func NewValidator() *CustomValidator {
	v := validator.New()
	_ = v.RegisterValidation("fsid", func(fl validator.FieldLevel) bool {
		return remote.ValidPersonID(fl.Field().String())
	})
	return &CustomValidator{validator: v}
}

// New builds the echo instance serving app.
func New(app *mid.App, bodyLimit string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = NewValidator()

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))

	RegisterRoutes(e)
	return e
}

// Init connects the dependencies described by cfg and serves until the
// process is interrupted.
func Init(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &mid.App{
		MasterAPIKey:   cfg.Server.MasterAPIKey,
		MasterUserID:   cfg.Server.MasterUserID,
		MasterUserRole: cfg.Server.MasterUserRole,
	}
	if cfg.Server.AuthURL != "" {
		k, err := keyfunc.NewDefault([]string{cfg.Server.AuthURL + "/jwks"})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		app.Key = k.Keyfunc
	}

	if err := migrate.Up(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer pool.Close()
	app.Runs = runs.New(pool)

	conn, err := queue.Init(cfg.RabbitMQ)
	if err != nil {
		logger.Fatal("Failed to connect to queue", "err", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}
	app.Jobs = queue.NewPublisher(ch)

	objects, err := storage.NewS3Store(ctx, cfg.S3)
	if err != nil {
		logger.Fatal("Failed to create s3 client", "err", err)
	}
	app.Objects = objects

	e := New(app, cfg.Server.BodyLimit)
	go func() {
		logger.Info("Starting server", "port", cfg.Server.Port)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
