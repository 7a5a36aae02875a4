package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nestbid/nestbid/internal/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandlerTest() (*gin.Engine, Store) {
	store := NewMemoryStore()
	handler := NewHandler(store)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			c.Set("authUserID", uid)
		}
		c.Next()
	})
	handler.RegisterRoutes(v1)

	return router, store
}

func doJSON(router *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// 203.0.113.0/24 is a documentation range: public, never resolved, never routed.
const safeTestURL = "https://203.0.113.10/hooks/nestbid"

func TestCreateWebhook(t *testing.T) {
	router, _ := setupHandlerTest()

	w := doJSON(router, "POST", "/v1/webhook-subscriptions", "usr_home", gin.H{
		"url":    safeTestURL,
		"events": []string{"bid.accepted", "milestone.funded"},
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if !strings.HasPrefix(resp.Webhook.ID, "whs_") {
		t.Errorf("Expected whs_ ID prefix, got %s", resp.Webhook.ID)
	}
	if resp.Webhook.UserID != "usr_home" {
		t.Errorf("Expected owner usr_home, got %s", resp.Webhook.UserID)
	}
	if !strings.HasPrefix(resp.Secret, "whsec_") {
		t.Errorf("Expected whsec_ secret prefix, got %s", resp.Secret)
	}
	if len(resp.Webhook.Events) != 2 {
		t.Errorf("Expected 2 subscribed events, got %d", len(resp.Webhook.Events))
	}
	if !resp.Webhook.Active {
		t.Error("Expected new webhook to be active")
	}
}

func TestCreateWebhook_RejectsUnsafeURL(t *testing.T) {
	router, _ := setupHandlerTest()

	for _, url := range []string{
		"http://localhost:8080/hook",
		"http://127.0.0.1/hook",
		"http://10.0.0.5/hook",
		"http://169.254.169.254/latest/meta-data",
		"ftp://203.0.113.10/hook",
		"not a url",
	} {
		w := doJSON(router, "POST", "/v1/webhook-subscriptions", "usr_home", gin.H{
			"url":    url,
			"events": []string{"bid.accepted"},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("URL %q: expected 400, got %d", url, w.Code)
		}
	}
}

func TestCreateWebhook_RejectsUnknownEvent(t *testing.T) {
	router, _ := setupHandlerTest()

	w := doJSON(router, "POST", "/v1/webhook-subscriptions", "usr_home", gin.H{
		"url":    safeTestURL,
		"events": []string{"bid.accepted", "payment.refunded.totally"},
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown event, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid_events") {
		t.Errorf("Expected invalid_events error, got %s", w.Body.String())
	}
}

func TestCreateWebhook_RequiresBody(t *testing.T) {
	router, _ := setupHandlerTest()

	w := doJSON(router, "POST", "/v1/webhook-subscriptions", "usr_home", gin.H{"url": safeTestURL})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing events, got %d", w.Code)
	}
}

func TestListWebhooks_OwnOnly(t *testing.T) {
	router, store := setupHandlerTest()
	seedSubscription(t, store, "whs_a1", "usr_a")
	seedSubscription(t, store, "whs_a2", "usr_a")
	seedSubscription(t, store, "whs_b1", "usr_b")

	w := doJSON(router, "GET", "/v1/webhook-subscriptions", "usr_a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Webhooks []Subscription `json:"webhooks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Webhooks) != 2 {
		t.Errorf("Expected 2 webhooks for usr_a, got %d", len(resp.Webhooks))
	}

	// Secrets never leave the server after creation.
	if strings.Contains(w.Body.String(), "whsec_") {
		t.Error("List response must not contain secrets")
	}
}

func TestListWebhooks_EmptyIsArray(t *testing.T) {
	router, _ := setupHandlerTest()

	w := doJSON(router, "GET", "/v1/webhook-subscriptions", "usr_lonely", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"webhooks":[]`) {
		t.Errorf("Expected empty array, got %s", w.Body.String())
	}
}

func TestGetWebhook_ForeignReturns404(t *testing.T) {
	router, store := setupHandlerTest()
	seedSubscription(t, store, "whs_b1", "usr_b")

	w := doJSON(router, "GET", "/v1/webhook-subscriptions/whs_b1", "usr_a", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign webhook, got %d", w.Code)
	}

	w = doJSON(router, "GET", "/v1/webhook-subscriptions/whs_b1", "usr_b", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for own webhook, got %d", w.Code)
	}
}

func TestDeleteWebhook(t *testing.T) {
	router, store := setupHandlerTest()
	seedSubscription(t, store, "whs_a1", "usr_a")

	// A stranger cannot delete it.
	w := doJSON(router, "DELETE", "/v1/webhook-subscriptions/whs_a1", "usr_b", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign delete, got %d", w.Code)
	}

	// The owner can.
	w = doJSON(router, "DELETE", "/v1/webhook-subscriptions/whs_a1", "usr_a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "GET", "/v1/webhook-subscriptions/whs_a1", "usr_a", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestDeleteWebhook_Missing(t *testing.T) {
	router, _ := setupHandlerTest()

	w := doJSON(router, "DELETE", "/v1/webhook-subscriptions/whs_nope", "usr_a", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func seedSubscription(t *testing.T, store Store, id, userID string) {
	t.Helper()
	err := store.Create(context.Background(), &Subscription{
		ID:     id,
		UserID: userID,
		URL:    safeTestURL,
		Secret: "whsec_seeded",
		Events: []events.Type{events.TypeBidAccepted},
		Active: true,
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}
