package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdmins struct {
	admins map[uuid.UUID]bool
}

func (s *stubAdmins) IsAdmin(_ context.Context, id uuid.UUID) (bool, error) {
	return s.admins[id], nil
}

func newAuthRouter(mgr *JWTManager, admins AdminChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	mw := NewMiddleware(mgr, admins)

	r := gin.New()
	r.GET("/me", mw.RequireAuth(), func(c *gin.Context) {
		id := c.MustGet("user_id").(uuid.UUID)
		c.JSON(http.StatusOK, gin.H{"user_id": id.String()})
	})
	r.GET("/admin", mw.RequireAuth(), mw.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	mgr := testManager("test-secret", time.Hour)
	router := newAuthRouter(mgr, &stubAdmins{})

	userID := uuid.New()
	token, _, err := mgr.GenerateAccessToken(userID, "anna@example.com")
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage token", "Bearer garbage", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	mgr := testManager("test-secret", time.Hour)
	adminID, userID := uuid.New(), uuid.New()
	router := newAuthRouter(mgr, &stubAdmins{admins: map[uuid.UUID]bool{adminID: true}})

	adminToken, _, err := mgr.GenerateAccessToken(adminID, "admin@example.com")
	require.NoError(t, err)
	userToken, _, err := mgr.GenerateAccessToken(userID, "user@example.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
