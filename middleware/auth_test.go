package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DECSResearch/GrantWatch/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testAuth = &config.AuthConfig{
	JWTSecret:        "test-secret-key",
	TokenExpireHours: 24,
}

func scopedRouter(cfg *config.AuthConfig) *gin.Engine {
	router := gin.New()
	router.POST("/events", RequireScope(cfg, ScopeEventsWrite), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": GetSubject(c)})
	})
	return router
}

func TestGenerateToken(t *testing.T) {
	token, expiresAt, err := GenerateToken("minio", []string{ScopeEventsWrite}, testAuth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Expected non-empty token")
	}

	expectedExpiry := time.Now().Add(24 * time.Hour)
	if expiresAt.Before(expectedExpiry.Add(-time.Minute)) || expiresAt.After(expectedExpiry.Add(time.Minute)) {
		t.Errorf("Expiry time %v is not within expected range of %v", expiresAt, expectedExpiry)
	}
}

func TestRequireScope(t *testing.T) {
	valid, _, err := GenerateToken("minio", []string{ScopeEventsWrite}, testAuth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	unscoped, _, _ := GenerateToken("reader", []string{"status:read"}, testAuth)
	foreign, _, _ := GenerateToken("minio", []string{ScopeEventsWrite}, &config.AuthConfig{JWTSecret: "other", TokenExpireHours: 1})

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"invalid format", valid, http.StatusUnauthorized},
		{"invalid token", "Bearer invalid.token.here", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"missing scope", "Bearer " + unscoped, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/events", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()

			scopedRouter(testAuth).ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestRequireScopeExpiredToken(t *testing.T) {
	claims := Claims{
		Scopes: []string{ScopeEventsWrite},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "minio",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	tokenString, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAuth.JWTSecret))

	req := httptest.NewRequest("POST", "/events", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	w := httptest.NewRecorder()

	scopedRouter(testAuth).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for expired token, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestRequireScopeOpenWithoutSecret(t *testing.T) {
	req := httptest.NewRequest("POST", "/events", nil)
	w := httptest.NewRecorder()

	scopedRouter(&config.AuthConfig{}).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected open route without secret, got %d", w.Code)
	}
}

func TestGetSubject(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if GetSubject(c) != "" {
		t.Error("Expected empty string for unset subject")
	}
	c.Set("subject", "minio")
	if GetSubject(c) != "minio" {
		t.Errorf("Expected 'minio', got '%s'", GetSubject(c))
	}
}
