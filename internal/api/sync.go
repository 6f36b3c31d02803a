package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/license-sync/internal/licensesync"
	"github.com/NikhilSetiya/license-sync/pkg/errors"
	"github.com/NikhilSetiya/license-sync/pkg/types"
)

// SyncService is the sync surface the handlers call
type SyncService interface {
	Sync(ctx context.Context, opts licensesync.SyncOptions) (*licensesync.SyncResult, error)
	SyncOne(ctx context.Context, appID string) (*types.LicenseRecord, error)
	SyncPending(ctx context.Context, limit, batchSize int) (*licensesync.PendingResult, error)
	Status(ctx context.Context) *licensesync.Status
}

// SyncRequest is the body of POST /sync. Every field is optional.
type SyncRequest struct {
	Force         bool  `json:"force"`
	BatchSize     *int  `json:"batchSize" binding:"omitempty,min=1,max=500"`
	DryRun        bool  `json:"dryRun"`
	Bidirectional bool  `json:"bidirectional"`
	Comprehensive *bool `json:"comprehensive"`
}

// PendingRequest is the body of POST /sync/pending
type PendingRequest struct {
	Limit     *int `json:"limit" binding:"omitempty,min=1,max=1000"`
	BatchSize *int `json:"batchSize" binding:"omitempty,min=1,max=100"`
}

// SyncOneResponse is returned by POST /sync/:appid
type SyncOneResponse struct {
	Success bool                 `json:"success"`
	License *types.LicenseRecord `json:"license"`
	Action  string               `json:"action"`
}

// SyncHandler serves the sync endpoints
type SyncHandler struct {
	service SyncService
}

// NewSyncHandler creates a sync handler
func NewSyncHandler(service SyncService) *SyncHandler {
	return &SyncHandler{service: service}
}

// bindOptional binds a JSON body, accepting an empty one
func bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		ValidationErrorResponse(c, err)
		return false
	}
	return true
}

// Sync runs a catalog sync
func (h *SyncHandler) Sync(c *gin.Context) {
	var req SyncRequest
	if !bindOptional(c, &req) {
		return
	}

	opts := licensesync.SyncOptions{
		Force:         req.Force,
		BatchSize:     100,
		DryRun:        req.DryRun,
		Bidirectional: req.Bidirectional,
		Comprehensive: true,
	}
	if req.BatchSize != nil {
		opts.BatchSize = *req.BatchSize
	}
	if req.Comprehensive != nil {
		opts.Comprehensive = *req.Comprehensive
	}

	result, err := h.service.Sync(c.Request.Context(), opts)
	if result == nil {
		respond(c, nil, err)
		return
	}
	respond(c, result, err)
}

// respond sends result, or the error alone when the run never started
func respond(c *gin.Context, result interface{}, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case result == nil:
		ErrorResponseFromError(c, err)
	default:
		c.JSON(errors.HTTPStatus(err), result)
	}
}

// SyncPending retries pending and failed licenses
func (h *SyncHandler) SyncPending(c *gin.Context) {
	var req PendingRequest
	if !bindOptional(c, &req) {
		return
	}

	limit, batchSize := 100, 25
	if req.Limit != nil {
		limit = *req.Limit
	}
	if req.BatchSize != nil {
		batchSize = *req.BatchSize
	}

	result, err := h.service.SyncPending(c.Request.Context(), limit, batchSize)
	if result == nil {
		respond(c, nil, err)
		return
	}
	respond(c, result, err)
}

// SyncOne syncs a single license by appid
func (h *SyncHandler) SyncOne(c *gin.Context) {
	record, err := h.service.SyncOne(c.Request.Context(), c.Param("appid"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	c.JSON(http.StatusOK, SyncOneResponse{Success: true, License: record, Action: "synced"})
}

// Status reports sync state; it always answers 200
func (h *SyncHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status(c.Request.Context()))
}
