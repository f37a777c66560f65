package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grantmesh/grantmesh/pkg/bus"
	"github.com/grantmesh/grantmesh/pkg/orchestrator"
	"github.com/grantmesh/grantmesh/pkg/store"
	"github.com/grantmesh/grantmesh/pkg/workflow"
)

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	var verr *store.ValidationError

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, store.ErrGrantNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, bus.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrIllegalTransition),
		errors.Is(err, store.ErrDuplicateEvaluation),
		errors.Is(err, workflow.ErrWorkflowExists),
		errors.Is(err, workflow.ErrWorkflowTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, bus.ErrQueueFull),
		errors.Is(err, orchestrator.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
