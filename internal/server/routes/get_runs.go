package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	"github.com/OFFIS-RIT/kinfetch/internal/server/middleware"
	"github.com/OFFIS-RIT/kinfetch/internal/storage"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"

	"github.com/labstack/echo/v4"
)

// loadRun returns the run named by the :id parameter if the user may see
// it. Runs of other users are reported as missing.
func loadRun(c echo.Context) (*runs.Run, error) {
	cc := c.(*middleware.AppContext)
	run, err := cc.App.Runs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, runs.ErrNotFound) || (err == nil && !middleware.CanView(cc.User, run.OwnerID)) {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"error": "Run not found"})
	}
	if err != nil {
		logger.Error("[Server] Failed to load run", "run_id", c.Param("id"), "err", err)
		return nil, c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	return run, nil
}

func GetRunHandler(c echo.Context) error {
	type getRunResponse struct {
		*runs.Run
		TypicalDurationMs int64 `json:"typical_duration_ms,omitempty"`
		Exported          bool  `json:"exported"`
	}

	run, err := loadRun(c)
	if run == nil {
		return err
	}
	resp := getRunResponse{Run: run, Exported: run.Exported()}
	if run.Status == runs.StatusPending || run.Status == runs.StatusRunning {
		cc := c.(*middleware.AppContext)
		d, err := cc.App.Runs.TypicalDuration(c.Request().Context(), run.Kind)
		if err != nil {
			logger.Warn("[Server] Failed to compute typical duration", "kind", run.Kind, "err", err)
		}
		resp.TypicalDurationMs = d.Milliseconds()
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRunExportHandler returns the GEDCOM file of a completed run, or with
// ?link=true a presigned download link to it.
func GetRunExportHandler(c echo.Context) error {
	run, err := loadRun(c)
	if run == nil {
		return err
	}
	if !run.Exported() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Run has no export", "status": string(run.Status)})
	}

	cc := c.(*middleware.AppContext)
	ctx := c.Request().Context()
	filename := run.ID + ".ged"
	if c.QueryParam("link") == "true" {
		link, err := cc.App.Objects.DownloadLink(ctx, *run.ExportKey, filename)
		if err != nil {
			logger.Error("[Server] Failed to sign export link", "run_id", run.ID, "err", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
		return c.JSON(http.StatusOK, map[string]string{"url": link})
	}

	data, err := cc.App.Objects.Get(ctx, *run.ExportKey)
	if err != nil {
		logger.Error("[Server] Failed to read export", "run_id", run.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Blob(http.StatusOK, storage.ContentType, data)
}
