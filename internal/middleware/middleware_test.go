// internal/middleware/middleware_test.go
package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/logging"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/testsupport"
	"github.com/javajoker/versiondigest/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	chain := append([]gin.HandlerFunc{I18nMiddleware()}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		role, _ := utils.GetUserRoleFromContext(c)
		c.String(http.StatusOK, "ok:"+role)
	})
	r.Any("/v1/admin/queue/:id", chain...)
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	utils.SetJWTSecret("middleware-test")
	r := newEngine(AuthRequired(), AdminRequired())
	path := "/v1/admin/queue/" + uuid.NewString()

	admin, err := utils.GenerateJWT(uuid.New(), "ops@example.com", string(models.UserRoleAdmin), 1)
	require.NoError(t, err)
	subscriber, err := utils.GenerateJWT(uuid.New(), "ana@example.com", string(models.UserRoleSubscriber), 1)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + admin, http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"not an admin", "Bearer " + subscriber, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := serve(r, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestSecretRequired(t *testing.T) {
	hash, err := utils.HashSecret("s3cret")
	require.NoError(t, err)
	path := "/v1/admin/queue/" + uuid.NewString()

	r := newEngine(SecretRequired(hash))
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(SecretHeader, "s3cret")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(SecretHeader, "guess")
	w := serve(r, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	// no hash configured locks the endpoints
	r = newEngine(SecretRequired(""))
	req = httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(SecretHeader, "s3cret")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestParseLanguage(t *testing.T) {
	assert.Equal(t, "en", parseLanguage(""))
	assert.Equal(t, "zh_TW", parseLanguage("zh-TW,zh;q=0.9,en;q=0.8"))
	assert.Equal(t, "zh_TW", parseLanguage("zh-HK"))
	assert.Equal(t, "en", parseLanguage("fr-FR,fr;q=0.9"))
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	limiter := NewRateLimiter(rate.Every(time.Hour), 1, time.Minute)
	defer limiter.Stop()
	r := newEngine(limiter.Middleware())
	path := "/v1/admin/queue/" + uuid.NewString()

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, path, nil)).Code)
	w := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 3600, retry, 1)
}

func TestLoginLimiterFromConfig(t *testing.T) {
	limiter := LoginLimiter(config.RateLimitConfig{LoginPerMinute: 5, LoginBurst: 2, VisitorTTL: time.Minute})
	defer limiter.Stop()
	r := newEngine(limiter.Middleware())
	path := "/v1/admin/queue/" + uuid.NewString()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodPost, path, nil)).Code)
	}
	w := serve(r, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAuditLogStripsSecrets(t *testing.T) {
	db := testsupport.NewDB(t)
	r := newEngine(AuditLogMiddleware(db, logging.Discard()))
	id := uuid.New()

	body := `{"reason":"manual","password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/queue/"+id.String(), strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusOK, serve(r, req).Code)

	// reads are not audited
	serve(r, httptest.NewRequest(http.MethodGet, "/v1/admin/queue/"+id.String(), nil))

	var logs []models.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, "POST /v1/admin/queue/"+id.String(), entry.Action)
	assert.Equal(t, "queue", entry.ResourceType)
	require.NotNil(t, entry.ResourceID)
	assert.Equal(t, id, *entry.ResourceID)
	assert.Equal(t, http.StatusOK, entry.Status)
	assert.Equal(t, "manual", entry.NewValues["reason"])
	assert.NotContains(t, entry.NewValues, "password")
}

func TestExtractResourceType(t *testing.T) {
	assert.Equal(t, "queue", extractResourceType("/v1/admin/queue/summary"))
	assert.Equal(t, "products", extractResourceType("/v1/products"))
	assert.Equal(t, "health", extractResourceType("/health"))
	assert.Equal(t, "unknown", extractResourceType("/"))
}
