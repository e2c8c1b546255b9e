package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"workbridge/internal/execreg"
	"workbridge/internal/launcher"
)

type producerStartRequest struct {
	SessionID       string            `json:"sessionId"`
	WorkspaceID     string            `json:"workspaceId"`
	SinceID         string            `json:"sinceId"`
	SinceTime       string            `json:"sinceTime"`
	LeaseMs         int64             `json:"leaseMs"`
	Mode            string            `json:"mode"`
	ConsumerImage   string            `json:"consumerImage"`
	ConsumerSidecar bool              `json:"consumerSidecar"`
	Env             map[string]string `json:"env"`
}

// handleProducerStart answers 202 on both outcomes: a started runner and
// a lock held by another consumer. The caller distinguishes by shape.
func (s *Server) handleProducerStart(c *gin.Context) {
	userID, projectID := identityFrom(c)

	var req producerStartRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.launcher.Start(c.Request.Context(), launcher.StartOptions{
		UserID:          userID,
		ProjectID:       projectID,
		SessionID:       req.SessionID,
		WorkspaceID:     req.WorkspaceID,
		SinceID:         req.SinceID,
		SinceTime:       req.SinceTime,
		Lease:           time.Duration(req.LeaseMs) * time.Millisecond,
		Mode:            launcher.Mode(req.Mode),
		ConsumerImage:   req.ConsumerImage,
		ConsumerSidecar: req.ConsumerSidecar,
		Env:             req.Env,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if !result.OK {
		if s.metrics != nil {
			s.metrics.RecordLockAcquisition(c.Request.Context(), "conflict")
		}
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Lock held by another consumer",
			"details": result.Conflict,
		})
		return
	}

	if s.metrics != nil {
		s.metrics.RecordLockAcquisition(c.Request.Context(), "acquired")
	}
	c.JSON(http.StatusAccepted, gin.H{
		"ok":          true,
		"mode":        result.Runtime["mode"],
		"consumerId":  result.ConsumerID,
		"workspaceId": result.WorkspaceID,
		"lock":        result.Runtime,
	})
}

func (s *Server) handleProducerStop(c *gin.Context) {
	userID, projectID := identityFrom(c)

	result, err := s.launcher.Stop(c.Request.Context(), userID, projectID)
	if err != nil {
		writeError(c, err)
		return
	}

	released := result.Detail != "no active lock"
	if released && s.metrics != nil {
		s.metrics.RecordLockRelease(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":       result.OK,
		"mode":     result.Mode,
		"results":  result.Results,
		"released": released,
		"detail":   result.Detail,
	})
}

type execRegisterRequest struct {
	ExecID    string     `json:"execId"`
	SessionID string     `json:"sessionId"`
	CreatedAt *time.Time `json:"createdAt"`
}

func (s *Server) handleExecRegister(c *gin.Context) {
	userID, projectID := identityFrom(c)

	var req execRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	createdAt := time.Time{}
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}
	if err := s.registry.Register(c.Request.Context(), userID, projectID, req.ExecID, req.SessionID, createdAt); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type linkRegisterRequest struct {
	CallingExecID   string     `json:"callingExecId"`
	TriggeredExecID string     `json:"triggeredExecId"`
	SessionID       string     `json:"sessionId"`
	CreatedAt       *time.Time `json:"createdAt"`
}

func (s *Server) handleLinkRegister(c *gin.Context) {
	userID, projectID := identityFrom(c)

	var req linkRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	createdAt := time.Time{}
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}
	if err := s.registry.LinkRegister(c.Request.Context(), userID, projectID, req.CallingExecID, req.TriggeredExecID, req.SessionID, createdAt); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleLinksByCalling(c *gin.Context) {
	userID, projectID := identityFrom(c)

	links, err := s.registry.LinksByCalling(c.Request.Context(), userID, projectID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (s *Server) handleLinkByTriggered(c *gin.Context) {
	userID, projectID := identityFrom(c)

	link, err := s.registry.LinkByTriggered(c.Request.Context(), userID, projectID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

type statusUpdateRequest struct {
	ExecID string `json:"execId"`
	execreg.StatusUpdate
}

func (s *Server) handleStatusUpdate(c *gin.Context) {
	userID, projectID := identityFrom(c)

	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	doc, err := s.registry.StatusUpdate(c.Request.Context(), userID, projectID, req.ExecID, req.StatusUpdate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

type statusRequest struct {
	ExecID    string `json:"execId"`
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

// handleStatus serves both forms: a single exec's status when execId is
// given, and the session's newest statuses otherwise.
func (s *Server) handleStatus(c *gin.Context) {
	userID, projectID := identityFrom(c)

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if req.ExecID != "" {
		doc, err := s.registry.Status(c.Request.Context(), userID, projectID, req.ExecID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
		return
	}

	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "execId or sessionId is required"})
		return
	}
	statuses, err := s.registry.LatestStatuses(c.Request.Context(), userID, projectID, req.SessionID, req.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

type treeRequest struct {
	SessionID  string `json:"sessionId"`
	LatestOnly bool   `json:"latestOnly"`
}

func (s *Server) handleTree(c *gin.Context) {
	userID, projectID := identityFrom(c)

	var req treeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	roots, err := s.registry.Tree(c.Request.Context(), userID, projectID, req.SessionID, req.LatestOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roots": roots})
}
