package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aide-hq/aide/pkg/prompt"
)

const maxPublishBytes = 5 << 20

// CreateAideRequest is the HTTP request body for POST /api/v1/aides.
type CreateAideRequest struct {
	Blueprint prompt.Blueprint `json:"blueprint"`
}

// PublishAideRequest is the HTTP request body for POST /api/v1/aides/:id/publish.
type PublishAideRequest struct {
	Slug        string `json:"slug"`
	Body        string `json:"body"`
	ContentType string `json:"content_type,omitempty"`
}

// createAideHandler handles POST /api/v1/aides.
func (s *Server) createAideHandler(c *echo.Context) error {
	var req CreateAideRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Blueprint.Identity == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blueprint.identity is required")
	}

	aide, err := s.store.Create(c.Request().Context(), extractUser(c), req.Blueprint)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, aide)
}

// hydrateHandler handles GET /api/v1/aides/:id/hydrate.
// Returns the materialized snapshot, full event log, blueprint, conversation
// history, and snapshot hash — the client renders from the snapshot directly,
// no replay.
func (s *Server) hydrateHandler(c *echo.Context) error {
	aideID := c.Param("id")
	if aideID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "aide id is required")
	}

	res, err := s.store.Hydrate(c.Request().Context(), aideID, extractUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// forkAideHandler handles POST /api/v1/aides/:id/fork.
// The fork copies the snapshot only: fresh event log, empty conversation.
func (s *Server) forkAideHandler(c *echo.Context) error {
	aideID := c.Param("id")
	if aideID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "aide id is required")
	}

	fork, err := s.store.Fork(c.Request().Context(), aideID, extractUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, fork)
}

// publishAideHandler handles POST /api/v1/aides/:id/publish.
func (s *Server) publishAideHandler(c *echo.Context) error {
	aideID := c.Param("id")
	if aideID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "aide id is required")
	}

	var req PublishAideRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Slug == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slug is required")
	}
	if req.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body is required")
	}
	if len(req.Body) > maxPublishBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body exceeds 5 MiB")
	}

	err := s.store.Publish(c.Request().Context(), aideID, extractUser(c),
		req.Slug, []byte(req.Body), req.ContentType)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"slug": req.Slug,
		"url":  "/p/" + req.Slug,
	})
}

// publishedPageHandler handles GET /p/:slug — the public, unauthenticated
// rendered page.
func (s *Server) publishedPageHandler(c *echo.Context) error {
	slug := c.Param("slug")
	if slug == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slug is required")
	}

	body, contentType, err := s.store.Published(c.Request().Context(), slug)
	if err != nil {
		return mapServiceError(err)
	}
	return c.Blob(http.StatusOK, contentType, body)
}
