package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/quantumtasks/platform/internal/config"
	"github.com/quantumtasks/platform/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Helper function to create a test JWT token
func createTestJWTToken(secret, userID, email, subject string, expiry time.Duration) string {
	now := time.Now()
	claims := &middleware.Claims{
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

// TestAuthEndpoints_Checkpoint verifies the authentication wiring: public
// routes stay open, protected routes demand a valid access token.
func TestAuthEndpoints_Checkpoint(t *testing.T) {
	secret := "test-secret-key-for-jwt-testing-32chars"
	cfg := &config.JWTConfig{
		Secret:             secret,
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "quantumtasks",
	}

	authenticator := middleware.NewJWTAuthenticator(cfg)

	router := gin.New()
	router.Use(middleware.RequestID())

	// Public routes
	router.POST("/api/v1/auth/register", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "register endpoint accessible"})
	})
	router.POST("/api/v1/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "login endpoint accessible"})
	})
	router.POST("/api/v1/auth/refresh", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "refresh endpoint accessible"})
	})

	// Protected routes
	protected := router.Group("/api/v1")
	protected.Use(authenticator.JWTAuth())
	{
		protected.GET("/wallet", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"user_id": middleware.GetUserIDFromContext(c)})
		})
		protected.GET("/executions", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"user_id": middleware.GetUserIDFromContext(c)})
		})
	}

	t.Run("PublicEndpoints_Accessible", func(t *testing.T) {
		endpoints := []string{
			"/api/v1/auth/register",
			"/api/v1/auth/login",
			"/api/v1/auth/refresh",
		}

		for _, endpoint := range endpoints {
			req := httptest.NewRequest("POST", endpoint, bytes.NewBuffer([]byte("{}")))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("Public endpoint %s should be accessible, got status %d", endpoint, w.Code)
			}
		}
	})

	t.Run("ProtectedEndpoints_RejectWithoutAuth", func(t *testing.T) {
		endpoints := []string{
			"/api/v1/wallet",
			"/api/v1/executions",
		}

		for _, endpoint := range endpoints {
			req := httptest.NewRequest("GET", endpoint, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("Protected endpoint %s should return 401 without auth, got %d", endpoint, w.Code)
			}
		}
	})

	t.Run("ProtectedEndpoints_AcceptValidToken", func(t *testing.T) {
		token := createTestJWTToken(secret, "user-123", "test@example.com", "access", 15*time.Minute)

		req := httptest.NewRequest("GET", "/api/v1/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Protected endpoint should accept valid token, got status %d", w.Code)
		}

		var response map[string]string
		json.Unmarshal(w.Body.Bytes(), &response)
		if response["user_id"] != "user-123" {
			t.Errorf("Expected user_id 'user-123', got '%s'", response["user_id"])
		}
	})

	t.Run("ProtectedEndpoints_RejectExpiredToken", func(t *testing.T) {
		token := createTestJWTToken(secret, "user-123", "test@example.com", "access", -1*time.Hour)

		req := httptest.NewRequest("GET", "/api/v1/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Protected endpoint should reject expired token, got status %d", w.Code)
		}
	})

	t.Run("ProtectedEndpoints_RejectRefreshToken", func(t *testing.T) {
		token := createTestJWTToken(secret, "user-123", "test@example.com", "refresh", 7*24*time.Hour)

		req := httptest.NewRequest("GET", "/api/v1/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Protected endpoint should reject refresh token, got status %d", w.Code)
		}
	})

	t.Run("RequestID_Present", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewBuffer([]byte("{}")))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Header().Get("X-Request-ID") == "" {
			t.Error("X-Request-ID header should be present in response")
		}
	})

	t.Run("RequestID_Preserved", func(t *testing.T) {
		customRequestID := "custom-request-id-123"
		req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewBuffer([]byte("{}")))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", customRequestID)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got != customRequestID {
			t.Errorf("X-Request-ID should be preserved, expected '%s', got '%s'", customRequestID, got)
		}
	})
}

// TestAdminEndpoints_Checkpoint verifies the operator surface is guarded by
// the static admin token and never by user JWTs.
func TestAdminEndpoints_Checkpoint(t *testing.T) {
	adminToken := "ops-token-for-testing"

	router := gin.New()
	router.Use(middleware.RequestID())

	admin := router.Group("/api/v1/admin")
	admin.Use(middleware.AdminAuth(adminToken))
	{
		admin.POST("/agents", func(c *gin.Context) {
			c.JSON(http.StatusCreated, gin.H{"message": "created"})
		})
		admin.DELETE("/agents/:slug", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "deactivated"})
		})
	}

	t.Run("AdminToken_Accepted", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/admin/agents", bytes.NewBuffer([]byte("{}")))
		req.Header.Set("Authorization", "Bearer "+adminToken)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Errorf("Admin endpoint should accept admin token, got status %d", w.Code)
		}
	})

	t.Run("UserJWT_Rejected", func(t *testing.T) {
		token := createTestJWTToken("some-jwt-secret", "user-123", "test@example.com", "access", 15*time.Minute)

		req := httptest.NewRequest("DELETE", "/api/v1/admin/agents/test-agent", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("Admin endpoint should reject user JWT, got status %d", w.Code)
		}
	})

	t.Run("MissingToken_Rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/admin/agents", bytes.NewBuffer([]byte("{}")))
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("Admin endpoint should reject missing token, got status %d", w.Code)
		}
	})
}

// TestPagination verifies query parameter parsing and clamping.
func TestPagination(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		wantPage     int
		wantPageSize int
	}{
		{"defaults", "", 1, 20},
		{"explicit", "page=3&page_size=50", 3, 50},
		{"zero page clamped", "page=0", 1, 20},
		{"negative page clamped", "page=-5", 1, 20},
		{"oversized page size clamped", "page_size=500", 1, 20},
		{"garbage ignored", "page=abc&page_size=xyz", 1, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var page, pageSize int
			router := gin.New()
			router.GET("/", func(c *gin.Context) {
				page, pageSize = pagination(c)
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/?"+tt.query, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if page != tt.wantPage {
				t.Errorf("Expected page %d, got %d", tt.wantPage, page)
			}
			if pageSize != tt.wantPageSize {
				t.Errorf("Expected page size %d, got %d", tt.wantPageSize, pageSize)
			}
		})
	}
}
