package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestWebhookAuthRejectsMissingSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := NewWebhookAuth("secret")
	router := gin.New()
	router.POST("/hook", auth.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAuthAcceptsValidSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := NewWebhookAuth("secret")
	router := gin.New()
	router.POST("/hook", auth.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	body := []byte(`{"repo":"acme/widget"}`)
	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewBuffer(body))
	req.Header.Set("X-Webhook-Signature", auth.Sign(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookAuthRejectsTamperedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := NewWebhookAuth("secret")
	router := gin.New()
	router.POST("/hook", auth.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	sig := auth.Sign([]byte(`{"repo":"acme/widget"}`))
	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewBufferString(`{"repo":"acme/evil"}`))
	req.Header.Set("X-Webhook-Signature", sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
