package middleware

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/runs"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type AppUser struct {
	UserID      int64
	Role        string
	Permissions []string
}

type RunStore interface {
	Create(ctx context.Context, id string, kind runs.Kind, ownerID int64, params any) (*runs.Run, error)
	Get(ctx context.Context, id string) (*runs.Run, error)
	Fail(ctx context.Context, id string, cause error) error
	TypicalDuration(ctx context.Context, kind runs.Kind) (time.Duration, error)
}

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	DownloadLink(ctx context.Context, key, filename string) (string, error)
}

type JobPublisher interface {
	Publish(ctx context.Context, queueName string, msg any) error
}

// App holds the dependencies shared by all handlers.
type App struct {
	Runs           RunStore
	Objects        ObjectStore
	Jobs           JobPublisher
	Key            jwt.Keyfunc
	MasterAPIKey   string
	MasterUserID   int64
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
