package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aide-hq/aide/pkg/store"
)

// mapServiceError maps store-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "aide not found")
	}
	if errors.Is(err, store.ErrForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, "not the owner of this aide")
	}
	if errors.Is(err, store.ErrSlugTaken) {
		return echo.NewHTTPError(http.StatusConflict, "slug is already in use")
	}

	// Unexpected error
	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
