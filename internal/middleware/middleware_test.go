package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/quantumtasks/platform/internal/config"
	"github.com/quantumtasks/platform/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testJWTConfig(secret string) *config.JWTConfig {
	return &config.JWTConfig{
		Secret:             secret,
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "quantumtasks",
	}
}

// Helper function to create a test JWT token
func createTestToken(secret, userID, email, subject string, expiry time.Duration) string {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "quantumtasks",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func protectedRouter(authenticator *JWTAuthenticator) *gin.Engine {
	router := gin.New()
	router.Use(authenticator.JWTAuth())
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": GetUserIDFromContext(c),
			"email":   GetEmailFromContext(c),
		})
	})
	return router
}

func TestJWTAuth_ValidToken(t *testing.T) {
	secret := "test-secret-key-for-jwt-testing"
	authenticator := NewJWTAuthenticator(testJWTConfig(secret))
	router := protectedRouter(authenticator)

	token := createTestToken(secret, "user-123", "test@example.com", "access", 15*time.Minute)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestJWTAuth_MissingToken(t *testing.T) {
	authenticator := NewJWTAuthenticator(testJWTConfig("test-secret"))
	router := protectedRouter(authenticator)

	req := httptest.NewRequest("GET", "/protected", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	authenticator := NewJWTAuthenticator(testJWTConfig("test-secret"))
	router := protectedRouter(authenticator)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_WrongSecret(t *testing.T) {
	authenticator := NewJWTAuthenticator(testJWTConfig("correct-secret"))
	router := protectedRouter(authenticator)

	token := createTestToken("wrong-secret", "user-123", "test@example.com", "access", 15*time.Minute)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	secret := "test-secret"
	authenticator := NewJWTAuthenticator(testJWTConfig(secret))
	router := protectedRouter(authenticator)

	token := createTestToken(secret, "user-123", "test@example.com", "access", -1*time.Minute)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestJWTAuth_RefreshTokenRejected(t *testing.T) {
	secret := "test-secret"
	authenticator := NewJWTAuthenticator(testJWTConfig(secret))
	router := protectedRouter(authenticator)

	// Refresh tokens must not grant API access
	token := createTestToken(secret, "user-123", "test@example.com", "refresh", 7*24*time.Hour)

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func adminRouter(adminToken string) *gin.Engine {
	router := gin.New()
	router.Use(AdminAuth(adminToken))
	router.POST("/admin/agents", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	return router
}

func TestAdminAuth_ValidToken(t *testing.T) {
	router := adminRouter("admin-token-123")

	req := httptest.NewRequest("POST", "/admin/agents", nil)
	req.Header.Set("Authorization", "Bearer admin-token-123")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestAdminAuth_WrongToken(t *testing.T) {
	router := adminRouter("admin-token-123")

	req := httptest.NewRequest("POST", "/admin/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

func TestAdminAuth_EmptyConfigDisablesEndpoints(t *testing.T) {
	router := adminRouter("")

	req := httptest.NewRequest("POST", "/admin/agents", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid bearer", "Bearer abc123", "abc123", false},
		{"missing header", "", "", true},
		{"no bearer prefix", "abc123", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"bearer only", "Bearer", "", true},
		{"bearer with empty token", "Bearer ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractBearerToken(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for header %q", tt.header)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected token %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRequestID_GeneratedWhenMissing(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": c.GetString("request_id")})
	})

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestID_PropagatedFromHeader(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "my-request-id")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "my-request-id" {
		t.Errorf("Expected request ID to propagate, got %q", got)
	}
}

func TestRequestID_ReachesRequestContext(t *testing.T) {
	var fromGin, fromCtx string

	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		fromGin = c.GetString("request_id")
		fromCtx = logging.RequestIDFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{})
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "ctx-propagation-check")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if fromGin != "ctx-propagation-check" {
		t.Errorf("Expected gin context to carry the request ID, got %q", fromGin)
	}
	if fromCtx != "ctx-propagation-check" {
		t.Errorf("Expected request context to carry the request ID, got %q", fromCtx)
	}
}

func TestCORS_Preflight(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://app.quantumtasks.ai"}))
	router.POST("/api/v1/agents/execute", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	req := httptest.NewRequest("OPTIONS", "/api/v1/agents/execute", nil)
	req.Header.Set("Origin", "https://app.quantumtasks.ai")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.quantumtasks.ai" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://app.quantumtasks.ai"}))
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allow-origin header for disallowed origin, got %q", got)
	}
}
