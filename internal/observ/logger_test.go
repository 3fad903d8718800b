package observ

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevel(t *testing.T) {
	tcases := []struct {
		name  string
		env   string
		level string
		want  zapcore.Level
	}{
		{"development debug", "development", "debug", zapcore.DebugLevel},
		{"production warn", "production", "warn", zapcore.WarnLevel},
		{"unknown level falls back to info", "development", "loud", zapcore.InfoLevel},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := NewLogger(tc.env, tc.level)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.want))
			if tc.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tc.want-1))
			}
		})
	}
}

func TestHTTPMetricsMiddlewareCounts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/probe/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	before := counterValue(t, "GET", "/probe/:id", "418")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe/42", nil))

	after := counterValue(t, "GET", "/probe/:id", "418")
	assert.Equal(t, before+1, after)
}

func TestRequestLoggerLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.EqualValues(t, http.StatusServiceUnavailable, entries[1].ContextMap()["status"])
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "", "studyhub", "test", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, httpRequestsTotal.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}
