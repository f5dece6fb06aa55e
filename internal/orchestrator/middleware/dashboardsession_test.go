package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateTokenRoundTrips(t *testing.T) {
	m := NewDashboardSessionManager("0123456789012345678901234567890123456789")
	token, err := m.IssueToken("owner-1")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "owner-1", claims.OwnerID)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m := NewDashboardSessionManager("0123456789012345678901234567890123456789")
	_, err := m.ValidateToken("not-a-jwt")
	require.Error(t, err)
}

func TestDashboardSessionMiddlewareRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewDashboardSessionManager("0123456789012345678901234567890123456789")
	router := gin.New()
	router.Use(m.DashboardSession())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDashboardSessionMiddlewareAcceptsBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewDashboardSessionManager("0123456789012345678901234567890123456789")
	token, err := m.IssueToken("owner-1")
	require.NoError(t, err)

	router := gin.New()
	router.Use(m.DashboardSession())
	var owner string
	router.GET("/x", func(c *gin.Context) {
		owner = GetDashboardOwner(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "owner-1", owner)
}

func TestDashboardSessionMiddlewareAcceptsWebSocketQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewDashboardSessionManager("0123456789012345678901234567890123456789")
	token, err := m.IssueToken("owner-1")
	require.NoError(t, err)

	router := gin.New()
	router.Use(m.DashboardSession())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
