package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DashboardClaims is the JWT payload minted for an operator dashboard
// session, mirroring the teacher's auth.Claims shape (owner/role, not the
// teacher's user/org/group hierarchy this spec does not carry).
type DashboardClaims struct {
	OwnerID string `json:"ownerId"`
	jwt.RegisteredClaims
}

// DashboardSessionManager mints and validates dashboard session tokens.
type DashboardSessionManager struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
}

// NewDashboardSessionManager constructs a DashboardSessionManager signing
// with HMAC-SHA256 over secret.
func NewDashboardSessionManager(secret string) *DashboardSessionManager {
	return &DashboardSessionManager{
		secret:   []byte(secret),
		issuer:   "controlplane-orchestrator",
		lifetime: 24 * time.Hour,
	}
}

// IssueToken mints a signed session token for ownerID.
func (m *DashboardSessionManager) IssueToken(ownerID string) (string, error) {
	claims := DashboardClaims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and verifies tokenString, returning its claims.
func (m *DashboardSessionManager) ValidateToken(tokenString string) (*DashboardClaims, error) {
	claims := &DashboardClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// DashboardOwnerKey is the gin context key holding the authenticated
// owner ID once DashboardSession has run.
const DashboardOwnerKey = "dashboard_owner_id"

// DashboardSession validates a bearer dashboard session token (header for
// plain HTTP, "token" query parameter for the WebSocket upgrade, since
// browsers cannot set custom headers on a WebSocket handshake) and stores
// the owner ID in context for handlers.
func (m *DashboardSessionManager) DashboardSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		isWebSocket := strings.EqualFold(c.GetHeader("Upgrade"), "websocket") &&
			strings.Contains(strings.ToLower(c.GetHeader("Connection")), "upgrade")

		var tokenString string
		if isWebSocket {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			authHeader := c.GetHeader("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
		if tokenString == "" {
			abortUnauthorized(c, isWebSocket, "authorization required")
			return
		}

		claims, err := m.ValidateToken(tokenString)
		if err != nil {
			abortUnauthorized(c, isWebSocket, "invalid or expired session")
			return
		}

		c.Set(DashboardOwnerKey, claims.OwnerID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, isWebSocket bool, message string) {
	if isWebSocket {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": message})
	c.Abort()
}

// GetDashboardOwner retrieves the authenticated owner ID from context.
func GetDashboardOwner(c *gin.Context) string {
	if v, ok := c.Get(DashboardOwnerKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
