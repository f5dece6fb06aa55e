package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
)

func newWebhookServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	group := engine.Group("/webhooks")
	group.Use(s.webhookAuth.Middleware())
	group.POST("/deploy", s.handleWebhookDeploy)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func postSignedWebhook(t *testing.T, s *Server, srv *httptest.Server, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/deploy", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Signature", s.webhookAuth.Sign(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestWebhookDeployRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	srv := newWebhookServer(t, s)

	body, _ := json.Marshal(webhookDeployRequest{OwnerID: "owner-1", RepoURL: "https://example.com/repo.git", CommitHash: "abc"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/deploy", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Signature", "not-the-right-signature")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookDeployReturnsNotFoundForUnknownApp(t *testing.T) {
	s := newTestServer(t)
	srv := newWebhookServer(t, s)

	body, _ := json.Marshal(webhookDeployRequest{OwnerID: "owner-1", RepoURL: "https://example.com/missing.git", CommitHash: "abc"})
	resp := postSignedWebhook(t, s, srv, body)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookDeployDispatchesSignedCommand(t *testing.T) {
	s := newTestServer(t)
	srv := newWebhookServer(t, s)

	ctx := context.Background()
	require.NoError(t, s.repo.CreateApp(ctx, repository.App{
		ID: "app-1", OwnerID: "owner-1", NodeID: "node-1", RepoURL: "https://example.com/repo.git",
	}))

	body, _ := json.Marshal(webhookDeployRequest{OwnerID: "owner-1", RepoURL: "https://example.com/repo.git", CommitHash: "abc123"})
	resp := postSignedWebhook(t, s, srv, body)
	// node-1 has no live session, so the signed DEPLOY fails to route —
	// that is a 502, distinct from the 404 an unresolved app produces.
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
