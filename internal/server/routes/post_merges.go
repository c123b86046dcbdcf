package routes

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/OFFIS-RIT/kinfetch/internal/queue"
	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	"github.com/OFFIS-RIT/kinfetch/internal/server/middleware"
	"github.com/OFFIS-RIT/kinfetch/internal/storage"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"

	"github.com/labstack/echo/v4"
)

// CreateMergeHandler queues a merge from multipart/form-data. The inputs
// are the exports of the listed runs followed by the uploaded files, in
// request order; with the later policy the last input wins.
func CreateMergeHandler(c echo.Context) error {
	type createMergeBody struct {
		Runs   []string `form:"runs" validate:"dive,required,alphanum"`
		Policy string   `form:"policy" validate:"omitempty,oneof=later earlier"`
	}

	data := new(createMergeBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, runResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, runResponse{Message: "Invalid request body: " + err.Error()})
	}
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, runResponse{Message: "Invalid request body"})
	}
	uploads := form.File["files"]
	if len(data.Runs)+len(uploads) == 0 {
		return c.JSON(http.StatusBadRequest, runResponse{Message: "At least one run or file is required"})
	}

	cc := c.(*middleware.AppContext)
	ctx := c.Request().Context()

	inputs := make([]string, 0, len(data.Runs)+len(uploads))
	for _, runID := range data.Runs {
		run, err := cc.App.Runs.Get(ctx, runID)
		if errors.Is(err, runs.ErrNotFound) || (err == nil && !middleware.CanView(cc.User, run.OwnerID)) {
			return c.JSON(http.StatusBadRequest, runResponse{Message: "Unknown run " + runID})
		}
		if err != nil {
			logger.Error("[Server] Failed to load run", "run_id", runID, "err", err)
			return c.JSON(http.StatusInternalServerError, runResponse{Message: "Internal server error"})
		}
		if !run.Exported() {
			return c.JSON(http.StatusConflict, runResponse{Message: "Run " + runID + " has no export"})
		}
		inputs = append(inputs, *run.ExportKey)
	}

	id, err := runs.NewID()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, runResponse{Message: "Internal server error"})
	}
	for i, upload := range uploads {
		f, err := upload.Open()
		if err != nil {
			return c.JSON(http.StatusBadRequest, runResponse{Message: "Invalid upload " + upload.Filename})
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return c.JSON(http.StatusBadRequest, runResponse{Message: "Invalid upload " + upload.Filename})
		}
		key := fmt.Sprintf("%s%03d.ged", storage.UploadPrefix(id), i)
		if err := cc.App.Objects.Put(ctx, key, content); err != nil {
			logger.Error("[Server] Failed to store upload", "run_id", id, "file", upload.Filename, "err", err)
			return c.JSON(http.StatusInternalServerError, runResponse{Message: "Internal server error"})
		}
		inputs = append(inputs, key)
	}

	policy := data.Policy
	if policy == "" {
		policy = queue.PolicyLater
	}
	msg := queue.MergeMsg{RunID: id, Inputs: inputs, Policy: policy}
	return enqueue(c, id, runs.KindMerge, queue.MergeQueue, msg)
}
