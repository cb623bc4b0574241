package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /ws/aides/:id — upgrades to WebSocket and delegates
// the connection lifecycle to the ConnectionManager. Ownership is checked
// before the upgrade so an intruder never holds a socket.
func (s *Server) wsHandler(c *echo.Context) error {
	aideID := c.Param("id")
	if aideID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "aide id is required")
	}
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	userID := extractUser(c)
	if err := s.store.Authorize(c.Request().Context(), aideID, userID); err != nil {
		return mapServiceError(err)
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, aideID, userID)
	return nil
}
