// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the detection endpoints.
//
// Description:
//
//	Registers all /v1/* endpoints with the given Gin router group. The
//	group should already have the readiness guard and any limits applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/process_prompt - Full pipeline: detect, decide, mask, audit
//	POST /v1/classify - Regex and entity detection only, no audit
//	POST /v1/detect_regex - Pattern detector only
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.POST("/process_prompt", handlers.HandleProcessPrompt)
	rg.POST("/classify", handlers.HandleClassify)
	rg.POST("/detect_regex", handlers.HandleDetectRegex)
}

// RegisterOpsRoutes registers health, readiness and metrics at the root.
//
// Endpoints:
//
//	GET /health - Liveness
//	GET /ready - Readiness (503 until startup completes)
//	GET /metrics - Prometheus exposition
func RegisterOpsRoutes(r gin.IRoutes, handlers *Handlers) {
	r.GET("/health", handlers.HandleHealth)
	r.GET("/ready", handlers.HandleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
