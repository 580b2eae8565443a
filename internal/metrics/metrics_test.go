package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, name string, labels ...string) float64 {
	t.Helper()

	m := &dto.Metric{}
	switch name {
	case "http_requests_total":
		if err := HTTPRequestsTotal.WithLabelValues(labels...).Write(m); err != nil {
			t.Fatalf("write metric: %v", err)
		}
	case "auto_refunds_total":
		if err := AutoRefundsTotal.Write(m); err != nil {
			t.Fatalf("write metric: %v", err)
		}
	default:
		t.Fatalf("unknown metric %s", name)
	}
	return m.GetCounter().GetValue()
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/orders/:id", func(c *gin.Context) { c.Status(200) })

	before := counterValue(t, "http_requests_total", "GET", "/v1/orders/:id", "2xx")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/orders/ord_abc", nil))

	after := counterValue(t, "http_requests_total", "GET", "/v1/orders/:id", "2xx")
	if after != before+1 {
		t.Errorf("Expected counter to increase by 1, got %f -> %f", before, after)
	}
}

func TestAutoRefundCounter(t *testing.T) {
	before := counterValue(t, "auto_refunds_total")
	AutoRefundsTotal.Inc()
	after := counterValue(t, "auto_refunds_total")
	if after != before+1 {
		t.Errorf("Expected auto refund counter +1, got %f -> %f", before, after)
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{199: "1xx", 200: "2xx", 301: "3xx", 404: "4xx", 500: "5xx"}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}
