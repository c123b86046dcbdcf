package server

import (
	"net/http"

	"github.com/OFFIS-RIT/kinfetch/internal/server/middleware"
	"github.com/OFFIS-RIT/kinfetch/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	apiRoutes.POST("/acquisitions", routes.CreateAcquisitionHandler, middleware.RequirePermission(middleware.PermissionRunCreate))
	apiRoutes.POST("/merges", routes.CreateMergeHandler, middleware.RequirePermission(middleware.PermissionRunCreate))
	apiRoutes.GET("/runs/:id", routes.GetRunHandler)
	apiRoutes.GET("/runs/:id/export", routes.GetRunExportHandler)
}
