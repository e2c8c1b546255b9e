package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"workbridge/internal/errors"
	"workbridge/internal/sandbox"
)

const (
	ctxUserID    = "bridge.userId"
	ctxProjectID = "bridge.projectId"
)

// identity requires userId and projectId on every privileged endpoint,
// taken from headers first and query parameters second.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := headerOrQuery(c, "X-User-Id", "userId")
		projectID := headerOrQuery(c, "X-Project-Id", "projectId")
		if userID == "" || projectID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "userId and projectId are required",
			})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxProjectID, projectID)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func headerOrQuery(c *gin.Context, header, query string) string {
	if value := strings.TrimSpace(c.GetHeader(header)); value != "" {
		return value
	}
	return strings.TrimSpace(c.Query(query))
}

func identityFrom(c *gin.Context) (userID, projectID string) {
	return c.GetString(ctxUserID), c.GetString(ctxProjectID)
}

// scopeFrom assembles the sandbox scope for streaming endpoints.
// Workspace and session ids are optional; absent tokens render empty in
// the work-prefix template.
func scopeFrom(c *gin.Context) sandbox.Scope {
	userID, projectID := identityFrom(c)
	return sandbox.Scope{
		UserID:      userID,
		ProjectID:   projectID,
		WorkspaceID: headerOrQuery(c, "X-Workspace-Id", "workspaceId"),
		SessionID:   headerOrQuery(c, "X-Session-Id", "sessionId"),
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(errors.HTTPStatus(err), gin.H{"error": err.Error()})
}
