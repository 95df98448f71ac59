package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/workspace"
)

// SetupRoutes configures the workspaced API routes
// router should be the /api/v1 group
func SetupRoutes(router *gin.RouterGroup, manager *workspace.Manager, log *logger.Logger) {
	handler := NewHandler(manager, log)

	// Session endpoints under /api/v1/workspaces
	workspaces := router.Group("/workspaces")
	{
		workspaces.GET("", handler.ListSessions)
		workspaces.POST("", handler.CreateProfile)

		workspaces.GET("/:ref", handler.GetSession)
		workspaces.DELETE("/:ref", handler.CleanupWorkspace)

		workspaces.POST("/:ref/execute", handler.ExecuteCommand)
		workspaces.POST("/:ref/files", handler.FileOperation)
		workspaces.POST("/:ref/clone", handler.CloneRepository)
		workspaces.POST("/:ref/bind", handler.BindInstance)
	}

	// Execution-scoped endpoints under /api/v1/executions
	executions := router.Group("/executions")
	{
		executions.GET("/:executionId/artifacts", handler.ListArtifacts)
		executions.GET("/:executionId/patch", handler.GetExecutionPatch)
		executions.DELETE("/:executionId/workspace", handler.CleanupExecution)
	}

	// Artifact lookup under /api/v1/artifacts
	router.GET("/artifacts/:artifactId", handler.GetArtifact)
}
