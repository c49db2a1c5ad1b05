package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
	"github.com/unipermit/unipermit-api/pkg/logger"
)

type validatorStub struct {
	claims *models.JWTClaims
	err    error
	token  string
}

func (v *validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	v.token = token
	return v.claims, v.err
}

type observerStub struct {
	path   string
	status int
}

func (o *observerStub) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	o.path = path
	o.status = status
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/resource", handlers...)
	return r
}

func serve(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTStoresSession(t *testing.T) {
	v := &validatorStub{claims: &models.JWTClaims{UserID: "u1", Role: models.RoleCR}}
	var subject string
	r := newRouter(JWT(v), func(c *gin.Context) {
		claims, ok := Claims(c)
		require.True(t, ok)
		subject = c.GetString(logger.SubjectKey)
		c.String(http.StatusOK, string(claims.Role))
	})

	w := serve(r, "Bearer abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CR", w.Body.String())
	assert.Equal(t, "abc", v.token)
	assert.Equal(t, "u1", subject)
}

func TestJWTRejectsMissingOrInvalidToken(t *testing.T) {
	r := newRouter(JWT(&validatorStub{err: appErrors.ErrUnauthorized}), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Bearer abc").Code)
}

func TestRequireRoles(t *testing.T) {
	withRole := func(role models.UserRole) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(ContextUserKey, &models.JWTClaims{UserID: "u1", Role: role})
		}
	}
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	assert.Equal(t, http.StatusOK, serve(newRouter(withRole(models.RoleCR), RequireRoles(models.RoleCR, models.RoleClassTeacher), ok), "").Code)
	assert.Equal(t, http.StatusForbidden, serve(newRouter(withRole(models.RoleStudent), RequireRoles(models.RoleCR), ok), "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(newRouter(RequireRoles(models.RoleCR), ok), "").Code)
}

func TestMetricsObservesRoutePattern(t *testing.T) {
	observer := &observerStub{}
	r := newRouter(Metrics(observer), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	serve(r, "")
	assert.Equal(t, "/resource", observer.path)
	assert.Equal(t, http.StatusAccepted, observer.status)
}

func TestResponseMeta(t *testing.T) {
	var meta map[string]interface{}
	r := newRouter(WithResponseMeta(), func(c *gin.Context) {
		SetDegraded(c, false)
		SetCacheHit(c, false)
		SetDegraded(c, true)
		meta = ExtractMeta(c)
		c.Status(http.StatusOK)
	})

	w := serve(r, "")
	assert.Equal(t, "true", w.Header().Get("X-Data-Degraded"))
	assert.Equal(t, true, meta["degraded"])
	assert.Equal(t, true, meta["cache_hit"])
	assert.Contains(t, meta, "processing_time_ms")
}
