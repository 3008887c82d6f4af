package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGenerateAndValidateJWTRoundTrip(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("user-1", true, secret, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, secret)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.True(t, claims.IsAdmin)
}

func TestValidateJWTRejectsExpired(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("user-1", false, secret, -time.Minute)
	require.NoError(t, err)

	_, err = ValidateJWT(token, secret)
	require.ErrorIs(t, err, ErrExpiredJWT)
}

func TestValidateJWTRejectsWrongSecret(t *testing.T) {
	token, err := GenerateJWT("user-1", false, []byte("secret-a"), time.Hour)
	require.NoError(t, err)

	_, err = ValidateJWT(token, []byte("secret-b"))
	require.ErrorIs(t, err, ErrInvalidJWT)
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	r := gin.New()
	r.Use(RequireAuth([]byte("s3cr3t")))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("user-1", false, secret, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.Use(RequireAuth(secret))
	r.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("user_id"))
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-1", w.Body.String())
}

func TestRequireAdminRejectsNonAdmin(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("user-1", false, secret, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.Use(RequireAuth(secret), RequireAdmin())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}
