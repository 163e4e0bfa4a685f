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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all patch routes with the router.
//
// Description:
//
//	Registers all /v1/patch/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/patch/validate - Validate a patch
//	POST /v1/patch/apply - Apply a patch (or dry-run it)
//	GET  /v1/patch/audit - List recent audit records
//	GET  /v1/patch/health - Health check
//	GET  /v1/patch/ready - Readiness check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	p := rg.Group("/patch")
	{
		p.POST("/validate", handlers.HandleValidate)
		p.POST("/apply", handlers.HandleApply)
		p.GET("/audit", handlers.HandleAudit)

		p.GET("/health", handlers.HandleHealth)
		p.GET("/ready", handlers.HandleReady)
	}
}
