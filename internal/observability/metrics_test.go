package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/chamctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("chamctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrame("rx", "GET_VERSION", "ok")
	RecordRXDiscard("overflow", 409)
	RecordTransition("IDLE", "SCANNING")
	RecordSubscribeTier("fast", true)
	RecordConnectDuration(1500 * time.Millisecond)

	log.Debug().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestRequestMiddlewareRecordsRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestLogger(log.Logger), RequestMetricsMiddleware("chamctl-test"))
	r.GET("/state", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/pair", func(c *gin.Context) { c.Status(http.StatusConflict) })

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/state", nil),
		httptest.NewRequest(http.MethodPost, "/pair", nil),
		httptest.NewRequest(http.MethodGet, "/missing", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := counterValue(t, httpRequests.WithLabelValues("chamctl-test", "GET", "/state", "200")); got != 1 {
		t.Fatalf("state requests got=%v want=1", got)
	}
	if got := counterValue(t, httpRequests.WithLabelValues("chamctl-test", "POST", "/pair", "409")); got != 1 {
		t.Fatalf("pair requests got=%v want=1", got)
	}
	if got := counterValue(t, httpRequests.WithLabelValues("chamctl-test", "GET", "/missing", "404")); got != 1 {
		t.Fatalf("unrouted requests got=%v want=1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
