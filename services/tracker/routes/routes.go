// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianCD/pkg/extensions"
	"github.com/AleutianAI/AleutianCD/services/tracker/handlers"
	"github.com/AleutianAI/AleutianCD/services/tracker/middleware"
)

// Deps are the collaborators the routes are wired to.
type Deps struct {
	Service     handlers.PipelineService
	Definitions handlers.DefinitionSource
	Options     extensions.ServiceOptions

	// CallbackSecret, when set, must be presented by runners in the
	// X-Callback-Token header.
	CallbackSecret string

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Health checks run by /health.
	Health map[string]handlers.HealthChecker
}

// SetupRoutes registers the tracker API on router.
//
//	GET  /health
//	GET  /metrics
//	POST /v1/callbacks/pipeline-events            (callback token)
//	POST /v1/gates/:stageId/decisions             (bearer auth)
//	GET  /v1/pipeline-records                     (bearer auth)
//	POST /v1/pipeline-records                     (bearer auth)
//	GET  /v1/pipeline-records/:id                 (bearer auth)
//	POST /v1/pipeline-records/:id/stop            (bearer auth)
//	GET  /v1/definitions                          (bearer auth)
func SetupRoutes(router *gin.Engine, deps Deps) {
	opts := deps.Options.Normalize()

	router.GET("/health", handlers.HealthCheck(deps.Health))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/callbacks/pipeline-events",
			middleware.CallbackToken(deps.CallbackSecret),
			handlers.HandleCallback(deps.Service))

		api := v1.Group("", middleware.AuthMiddleware(opts.AuthProvider))
		{
			api.POST("/gates/:stageId/decisions", handlers.HandleDecision(deps.Service, opts))

			records := api.Group("/pipeline-records")
			{
				records.GET("", handlers.ListPipelines(deps.Service, opts))
				records.POST("", handlers.TriggerPipeline(deps.Service, opts))
				records.GET("/:id", handlers.GetPipeline(deps.Service, opts))
				records.POST("/:id/stop", handlers.StopPipeline(deps.Service, opts))
			}

			api.GET("/definitions", handlers.ListDefinitions(deps.Definitions))
		}
	}
}
