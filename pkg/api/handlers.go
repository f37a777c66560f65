package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/grantmesh/grantmesh/pkg/models"
)

// CreateGrantRequest is the POST /grants body.
type CreateGrantRequest struct {
	Applicant   string  `json:"applicant" binding:"required"`
	ProjectName string  `json:"project_name" binding:"required"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount" binding:"required,gt=0"`
	IPFSHash    string  `json:"ipfs_hash"`
}

// AbortWorkflowRequest is the POST /workflows/:id/abort body.
type AbortWorkflowRequest struct {
	Reason string `json:"reason"`
}

// CreateGrant handles POST /api/v1/grants: stores the grant and starts
// its review workflow.
func (s *Server) CreateGrant(c *gin.Context) {
	var req CreateGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	grant, err := s.orch.ProcessNewGrant(&models.Grant{
		Applicant:   req.Applicant,
		ProjectName: req.ProjectName,
		Description: req.Description,
		Amount:      req.Amount,
		IPFSHash:    req.IPFSHash,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

// ListGrants handles GET /api/v1/grants with an optional status filter.
func (s *Server) ListGrants(c *gin.Context) {
	if raw := c.Query("status"); raw != "" {
		status := models.GrantStatus(raw)
		if !status.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + raw})
			return
		}
		c.JSON(http.StatusOK, s.orch.Store().GetGrantsByStatus(status))
		return
	}
	c.JSON(http.StatusOK, s.orch.Store().ListGrants())
}

// GetGrant handles GET /api/v1/grants/:id.
func (s *Server) GetGrant(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	grant, err := s.orch.Store().GetGrant(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"grant":       grant,
		"evaluations": s.orch.Store().GetEvaluations(id),
	})
}

// GetGrantMessages handles GET /api/v1/grants/:id/messages.
func (s *Server) GetGrantMessages(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.orch.Store().GetGrant(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.orch.Bus().GetMessagesForGrant(id))
}

// ListWorkflows handles GET /api/v1/workflows. active=true narrows the
// list to non-terminal workflows.
func (s *Server) ListWorkflows(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, s.orch.GetActiveWorkflows())
		return
	}
	c.JSON(http.StatusOK, s.orch.Engine().ListWorkflows())
}

// GetWorkflow handles GET /api/v1/workflows/:id.
func (s *Server) GetWorkflow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	status, err := s.orch.GetWorkflowStatus(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// AbortWorkflow handles POST /api/v1/workflows/:id/abort.
func (s *Server) AbortWorkflow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	// The body is optional; an absent body aborts with the default reason.
	var req AbortWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.AbortWorkflow(id, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

// ListAgents handles GET /api/v1/agents.
func (s *Server) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agents":    s.orch.Registry().All(),
		"directory": s.orch.Bus().DiscoverAgents(),
	})
}

// AgentsHealth handles GET /api/v1/agents/health.
func (s *Server) AgentsHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": s.orch.GetSystemHealth(),
		"agents": s.orch.GetAgentHealth(),
	})
}

// AgentHealthByType handles GET /api/v1/agents/health/:type.
func (s *Server) AgentHealthByType(c *gin.Context) {
	agentType := models.AgentType(c.Param("type"))
	if !agentType.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown agent type: " + c.Param("type")})
		return
	}
	health, ok := s.orch.GetAgentHealthFor(agentType)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no health record for agent type"})
		return
	}
	c.JSON(http.StatusOK, health)
}

// GetMessage handles GET /api/v1/messages/:id.
func (s *Server) GetMessage(c *gin.Context) {
	record, err := s.orch.Bus().GetMessage(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetStats handles GET /api/v1/stats.
func (s *Server) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.GetStats())
}

// Health handles GET /api/v1/health. Unhealthy agents turn the endpoint
// into a 503 so load balancers can react.
func (s *Server) Health(c *gin.Context) {
	system := s.orch.GetSystemHealth()
	code := http.StatusOK
	if system == models.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":           system,
		"active_workflows": len(s.orch.GetActiveWorkflows()),
	})
}

// parseID reads the :id path parameter as a grant id. Writes a 400 and
// returns false on malformed input.
func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id: " + c.Param("id")})
		return 0, false
	}
	return id, true
}
