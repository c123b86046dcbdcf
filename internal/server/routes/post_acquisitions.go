package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kinfetch/internal/queue"
	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	"github.com/OFFIS-RIT/kinfetch/internal/server/middleware"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"

	"github.com/labstack/echo/v4"
)

const (
	defaultAscend  = 4
	maxGenerations = 50
	maxSeeds       = 200
)

type runResponse struct {
	Message string    `json:"message"`
	Run     *runs.Run `json:"run,omitempty"`
}

// CreateAcquisitionHandler queues the download of a tree. Without seeds the
// worker's account person is used.
func CreateAcquisitionHandler(c echo.Context) error {
	type createAcquisitionBody struct {
		Seeds        []string `json:"seeds" validate:"max=200,dive,fsid"`
		Ascend       *int     `json:"ascend" validate:"omitempty,min=0,max=50"`
		Descend      int      `json:"descend" validate:"min=0,max=50"`
		Spouses      bool     `json:"spouses"`
		Ordinances   bool     `json:"ordinances"`
		Contributors bool     `json:"contributors"`
	}

	data := new(createAcquisitionBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, runResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, runResponse{Message: "Invalid request body: " + err.Error()})
	}

	ascend := defaultAscend
	if data.Ascend != nil {
		ascend = *data.Ascend
	}
	id, err := runs.NewID()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, runResponse{Message: "Internal server error"})
	}
	msg := queue.AcquireMsg{
		RunID:        id,
		Seeds:        data.Seeds,
		Ascend:       ascend,
		Descend:      data.Descend,
		Spouses:      data.Spouses,
		Ordinances:   data.Ordinances,
		Contributors: data.Contributors,
	}
	return enqueue(c, id, runs.KindAcquire, queue.AcquireQueue, msg)
}

// enqueue records the run and publishes its job message. A run whose
// message cannot be published is marked failed.
func enqueue(c echo.Context, id string, kind runs.Kind, queueName string, msg any) error {
	cc := c.(*middleware.AppContext)
	ctx := c.Request().Context()

	run, err := cc.App.Runs.Create(ctx, id, kind, cc.User.UserID, msg)
	if err != nil {
		logger.Error("[Server] Failed to create run", "kind", kind, "err", err)
		return c.JSON(http.StatusInternalServerError, runResponse{Message: "Internal server error"})
	}
	if err := cc.App.Jobs.Publish(ctx, queueName, msg); err != nil {
		logger.Error("[Server] Failed to publish job", "run_id", id, "queue", queueName, "err", err)
		if failErr := cc.App.Runs.Fail(ctx, id, err); failErr != nil {
			logger.Warn("[Server] Failed to mark run as failed", "run_id", id, "err", failErr)
		}
		return c.JSON(http.StatusServiceUnavailable, runResponse{Message: "Job queue unavailable"})
	}

	logger.Info("[Server] Run queued", "run_id", id, "kind", kind, "user_id", cc.User.UserID)
	return c.JSON(http.StatusAccepted, runResponse{Message: "Run queued", Run: run})
}
