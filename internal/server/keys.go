package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apierrors "github.com/guardapi/guard/internal/errors"
	"github.com/guardapi/guard/internal/logging"
	"github.com/guardapi/guard/internal/middleware"
	"github.com/guardapi/guard/internal/models"
)

// KeyRequest is the body of create, rotate and disable
type KeyRequest struct {
	UserID string  `json:"userId"`
	Name   *string `json:"name"`
}

// PlanRequest is the body of POST /keys/{kid}/plan
type PlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

// KeyListResponse is the body of GET /keys
type KeyListResponse struct {
	Keys  []*models.APIKey `json:"keys"`
	Total int              `json:"total"`
}

// owner determines the acting owner. With the master key the body or query
// names the owner; with a bearer token the token subject does, and a
// different explicit userId is rejected.
func owner(c *gin.Context, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if middleware.IsMaster(c) {
		return requested, true
	}

	subject := middleware.GetOwnerIDFromContext(c)
	if requested != "" && requested != subject {
		logging.LogSecurityEvent("owner_mismatch", subject, c.ClientIP(), c.FullPath())
		respondError(c, apierrors.ErrForbiddenError)
		return "", false
	}
	return subject, true
}

func bindKeyRequest(c *gin.Context) (KeyRequest, bool) {
	var req KeyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return req, false
	}
	return req, true
}

// handleListKeys lists an owner's keys
func (s *Server) handleListKeys(c *gin.Context) {
	ownerID, ok := owner(c, c.Query("userId"))
	if !ok {
		return
	}

	keys, err := s.deps.Keys.List(c.Request.Context(), ownerID)
	if err != nil {
		respondKeyError(c, err, "list")
		return
	}

	c.JSON(http.StatusOK, KeyListResponse{Keys: keys, Total: len(keys)})
}

// handleCreateKey issues a new key. The secret appears only in this response.
func (s *Server) handleCreateKey(c *gin.Context) {
	req, ok := bindKeyRequest(c)
	if !ok {
		return
	}
	ownerID, ok := owner(c, req.UserID)
	if !ok {
		return
	}

	issued, err := s.deps.Keys.Create(c.Request.Context(), ownerID, req.Name)
	if err != nil {
		respondKeyError(c, err, "create")
		return
	}

	c.JSON(http.StatusCreated, issued)
}

// handleRotateKey replaces a key's secret
func (s *Server) handleRotateKey(c *gin.Context) {
	req, ok := bindKeyRequest(c)
	if !ok {
		return
	}
	ownerID, ok := owner(c, req.UserID)
	if !ok {
		return
	}

	issued, err := s.deps.Keys.Rotate(c.Request.Context(), c.Param("kid"), ownerID, req.Name)
	if err != nil {
		respondKeyError(c, err, "rotate")
		return
	}

	c.JSON(http.StatusOK, issued)
}

// handleDisableKey disables a key; repeating the call succeeds
func (s *Server) handleDisableKey(c *gin.Context) {
	req, ok := bindKeyRequest(c)
	if !ok {
		return
	}
	ownerID, ok := owner(c, req.UserID)
	if !ok {
		return
	}

	kid := c.Param("kid")
	if err := s.deps.Keys.Disable(c.Request.Context(), kid, ownerID); err != nil {
		respondKeyError(c, err, "disable")
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "kid": kid})
}

// handleSetPlan moves a key to another plan
func (s *Server) handleSetPlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	plan, ok := models.ParsePlanName(req.Plan)
	if !ok {
		respondError(c, apierrors.ErrInvalidPlanError)
		return
	}

	kid := c.Param("kid")
	if err := s.deps.Keys.SetPlan(c.Request.Context(), kid, plan); err != nil {
		respondKeyError(c, err, "set_plan")
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "kid": kid, "plan": plan})
}

func respondKeyError(c *gin.Context, err error, operation string) {
	apiErr := keyError(err)
	if apierrors.IsServerError(apiErr) {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "keystore", operation)
	}
	respondError(c, apiErr)
}
