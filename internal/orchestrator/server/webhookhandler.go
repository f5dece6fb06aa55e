package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nodefleet/controlplane/internal/orchestrator/webhook"
)

// webhookDeployRequest is the normalized body this endpoint accepts. The
// out-of-scope Git/OAuth webhook receiver (spec §1) is responsible for
// verifying provider-specific signatures and translating a GitHub/GitLab
// payload into this shape before forwarding it here with its own
// X-Webhook-Signature over the normalized body — this endpoint is only the
// ingestion contract §4.3 names, not the provider integration itself.
type webhookDeployRequest struct {
	OwnerID    string `json:"ownerId" binding:"required"`
	RepoURL    string `json:"repoUrl" binding:"required"`
	CommitHash string `json:"commitHash" binding:"required"`
	Branch     string `json:"branch"`
}

func (s *Server) handleWebhookDeploy(c *gin.Context) {
	var req webhookDeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trigger := webhook.Trigger{RepoURL: req.RepoURL, CommitHash: req.CommitHash, Branch: req.Branch}
	if err := s.webhook.Ingest(c.Request.Context(), req.OwnerID, trigger); err != nil {
		if err == webhook.ErrAppNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusAccepted)
}
