package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		99:  "1xx",
		101: "1xx",
		200: "2xx",
		204: "2xx",
		308: "3xx",
		404: "4xx",
		422: "4xx",
		500: "5xx",
		599: "5xx",
		700: "5xx",
	}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func scrape(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", w.Code)
	}
	return w.Body.String()
}

func TestHandlerExposesRegistry(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())

	body := scrape(t, r)
	// Gauges exist from registration; counters show up on first increment.
	for _, name := range []string{"nestbid_active_websocket_clients", "nestbid_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape missing %s", name)
		}
	}

	WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	if body = scrape(t, r); !strings.Contains(body, "nestbid_webhook_deliveries_total") {
		t.Error("scrape missing nestbid_webhook_deliveries_total after an increment")
	}
}

func TestMiddlewareCountsByRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/payments/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/mst_0a1b2c3d", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("request returned %d", w.Code)
	}

	sample := findCounterSample(t, "nestbid_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/payments/:id",
		"status": "2xx",
	})
	if sample == nil {
		t.Fatal("no sample for GET /payments/:id in the 2xx class")
	}
	if sample.GetCounter().GetValue() < 1 {
		t.Errorf("counter = %f, want >= 1", sample.GetCounter().GetValue())
	}
}

// findCounterSample gathers the default registry and returns the first metric
// of the named family whose labels include all of want.
func findCounterSample(t *testing.T, family string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != family {
			continue
		}
	metric:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			return m
		}
	}
	return nil
}
