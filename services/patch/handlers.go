// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/patchgate/services/patch/audit"
	"github.com/AleutianAI/patchgate/services/patch/workspace"
)

// requestEnvelopeBytes is headroom for JSON escaping and the other request
// fields on top of the patch size limit.
const requestEnvelopeBytes = 64 << 10

// AuditLister lists stored audit records.
type AuditLister interface {
	List(ctx context.Context, opts audit.ListOptions) ([]audit.Record, error)
}

// Handlers contains the HTTP handlers for the patch service.
type Handlers struct {
	svc          *Service
	auditStore   AuditLister
	maxBodyBytes int64
}

var registerOnce sync.Once

// NewHandlers creates handlers for the given service and registers the
// custom binding rules with gin's validator.
func NewHandlers(svc *Service) *Handlers {
	registerOnce.Do(func() {
		if err := RegisterBindingRules(); err != nil {
			slog.Error("Failed to register binding rules", "error", err)
		}
	})

	// A JSON string can take up to two bytes per escaped input byte.
	limit := int64(svc.Policy().MaxPatchBytes)*2 + requestEnvelopeBytes
	return &Handlers{svc: svc, maxBodyBytes: limit}
}

// WithAuditStore enables GET /v1/patch/audit.
func (h *Handlers) WithAuditStore(store AuditLister) *Handlers {
	h.auditStore = store
	return h
}

// RegisterBindingRules adds the "workspaceid" rule to gin's validator.
func RegisterBindingRules() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin binding engine is not go-playground/validator")
	}
	return v.RegisterValidation("workspaceid", func(fl validator.FieldLevel) bool {
		return workspace.ValidID(fl.Field().String())
	})
}

// HandleValidate handles POST /v1/patch/validate.
//
// Description:
//
//	Validates a patch against the policy and the workspace without
//	touching any file. A rejected patch is still a 200 with valid=false.
//
// Request Body:
//
//	ValidateRequest
//
// Response:
//
//	200 OK: ValidateResponse
//	400 Bad Request: Malformed request body
//	404 Not Found: Unknown workspace
//	413 Request Entity Too Large: Body far above the patch size limit
func (h *Handlers) HandleValidate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleValidate")

	var req ValidateRequest
	if !h.bind(c, logger, &req) {
		return
	}

	result, err := h.svc.ValidatePatch(c.Request.Context(), req.WorkspaceID, req.Patch)
	if err != nil {
		h.writeServiceError(c, logger, err)
		return
	}

	logger.Info("Patch validated",
		"workspace_id", req.WorkspaceID,
		"valid", result.Valid,
		"reason", result.Reason,
		"patch_bytes", len(req.Patch))

	c.JSON(http.StatusOK, NewValidateResponse(result))
}

// HandleApply handles POST /v1/patch/apply.
//
// Description:
//
//	Validates and applies a patch. Files are applied independently; when
//	some conflict, the others are still written and listed in appliedFiles.
//
// Request Body:
//
//	ApplyRequest
//
// Response:
//
//	200 OK: ApplyResponse (success=true)
//	400 Bad Request: Malformed request body
//	404 Not Found: Unknown workspace
//	409 Conflict: ApplyResponse with code PATCH_CONFLICT
//	413 Request Entity Too Large: Body far above the patch size limit
//	422 Unprocessable Entity: ApplyResponse with the validation reason
func (h *Handlers) HandleApply(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleApply")

	var req ApplyRequest
	if !h.bind(c, logger, &req) {
		return
	}
	req.RequestID = requestID

	outcome, err := h.svc.ApplyPatch(c.Request.Context(), req)
	if err != nil {
		h.writeServiceError(c, logger, err)
		return
	}

	resp := NewApplyResponse(outcome)

	switch outcome.Code {
	case "":
		c.JSON(http.StatusOK, resp)

	case CodeValidationFailed:
		c.JSON(http.StatusUnprocessableEntity, resp)

	default:
		logger.Warn("Patch conflicted",
			"workspace_id", req.WorkspaceID,
			"applied", len(outcome.AppliedFiles),
			"conflicts", len(outcome.Conflicts))
		c.JSON(http.StatusConflict, resp)
	}
}

// HandleAudit handles GET /v1/patch/audit.
//
// Response:
//
//	200 OK: AuditResponse, newest first
//	400 Bad Request: Invalid query
//	503 Service Unavailable: No audit store configured
func (h *Handlers) HandleAudit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAudit")

	if h.auditStore == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Audit listing requires a persistent audit store",
			Code:  CodeAuditNotEnabled,
		})
		return
	}

	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid audit query", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid query parameters",
			Code:  CodeInvalidRequest,
		})
		return
	}

	records, err := h.auditStore.List(c.Request.Context(), audit.ListOptions{
		WorkspaceID: q.WorkspaceID,
		Limit:       q.Limit,
	})
	if err != nil {
		logger.Error("Audit list failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to list audit records",
			Code:  CodeInternalError,
		})
		return
	}
	if records == nil {
		records = []audit.Record{}
	}

	c.JSON(http.StatusOK, AuditResponse{Records: records, Count: len(records)})
}

// HandleHealth handles GET /v1/patch/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/patch/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, ReadyResponse{
		Ready:      true,
		AuditStore: h.auditStore != nil,
	})
}

// bind caps the body size and decodes JSON into dst. It writes the error
// response and returns false on failure.
func (h *Handlers) bind(c *gin.Context, logger *slog.Logger, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("Request body too large", "limit", tooLarge.Limit)
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit),
				Code:  CodeRequestTooLarge,
			})
			return false
		}
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  CodeInvalidRequest,
		})
		return false
	}
	return true
}

// writeServiceError maps a service error to a status code.
func (h *Handlers) writeServiceError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrWorkspaceNotFound):
		logger.Warn("Workspace not found")
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Workspace not found",
			Code:  CodeWorkspaceNotFound,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Request cancelled", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Request cancelled",
			Code:  CodeInternalError,
		})
	default:
		logger.Error("Patch service failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Internal error",
			Code:  CodeInternalError,
		})
	}
}

// getOrCreateRequestID extracts or generates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
