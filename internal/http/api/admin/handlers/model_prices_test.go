package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dbpkg "github.com/tokenbilling/creditledger/internal/db"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

func openHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func postJSON(t *testing.T, handler gin.HandlerFunc, target, payload string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, target, strings.NewReader(payload))
	c.Request.Header.Set("Content-Type", "application/json")
	handler(c)
	return w
}

func TestCreateModelPrice(t *testing.T) {
	conn := openHandlerTestDB(t)
	h := NewModelPriceHandler(conn)

	w := postJSON(t, h.Create, "/v0/admin/model-prices", `{
		"provider": "Anthropic",
		"model": "claude-sonnet-4-5",
		"effective_from": "2026-01-01T00:00:00Z",
		"input_per_1k": "0.003",
		"output_per_1k": "0.015",
		"cache_read_per_1k": "0.0003"
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Provider string `json:"provider"`
		IsActive bool   `json:"is_active"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if resp.Provider != "anthropic" {
		t.Fatalf("provider not normalized: got %q", resp.Provider)
	}
	if !resp.IsActive {
		t.Fatal("new price not active")
	}

	var count int64
	if errCount := conn.Model(&models.ModelPrice{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("rows: got %d, want 1", count)
	}
}

func TestCreateModelPriceHighContextValidation(t *testing.T) {
	conn := openHandlerTestDB(t)
	h := NewModelPriceHandler(conn)

	// Threshold without the full alternate price set.
	w := postJSON(t, h.Create, "/v0/admin/model-prices", `{
		"provider": "anthropic",
		"model": "claude-sonnet-4-5",
		"effective_from": "2026-01-01T00:00:00Z",
		"input_per_1k": "0.003",
		"output_per_1k": "0.015",
		"context_threshold_tokens": 200000,
		"input_high_context_per_1k": "0.006"
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("partial high-context set: got %d, want 400", w.Code)
	}

	// Alternate prices without a threshold.
	w = postJSON(t, h.Create, "/v0/admin/model-prices", `{
		"provider": "anthropic",
		"model": "claude-sonnet-4-5",
		"effective_from": "2026-01-01T00:00:00Z",
		"input_per_1k": "0.003",
		"output_per_1k": "0.015",
		"input_high_context_per_1k": "0.006",
		"output_high_context_per_1k": "0.0225",
		"cache_write_high_context_per_1k": "0",
		"cache_read_high_context_per_1k": "0"
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("high prices without threshold: got %d, want 400", w.Code)
	}

	// Complete high-context configuration.
	w = postJSON(t, h.Create, "/v0/admin/model-prices", `{
		"provider": "anthropic",
		"model": "claude-sonnet-4-5",
		"effective_from": "2026-01-01T00:00:00Z",
		"input_per_1k": "0.003",
		"output_per_1k": "0.015",
		"context_threshold_tokens": 200000,
		"input_high_context_per_1k": "0.006",
		"output_high_context_per_1k": "0.0225",
		"cache_write_high_context_per_1k": "0.00375",
		"cache_read_high_context_per_1k": "0.0006"
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("full high-context set: got %d, body %s", w.Code, w.Body.String())
	}
}

func TestCreateModelPriceRejectsBadWindows(t *testing.T) {
	conn := openHandlerTestDB(t)
	h := NewModelPriceHandler(conn)

	w := postJSON(t, h.Create, "/v0/admin/model-prices", `{
		"provider": "anthropic",
		"model": "claude-sonnet-4-5",
		"effective_from": "2026-02-01T00:00:00Z",
		"effective_until": "2026-01-01T00:00:00Z",
		"input_per_1k": "0.003",
		"output_per_1k": "0.015"
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("inverted window: got %d, want 400", w.Code)
	}

	w = postJSON(t, h.Create, "/v0/admin/model-prices", `{
		"provider": "anthropic",
		"model": "claude-sonnet-4-5",
		"effective_from": "2026-01-01T00:00:00Z",
		"input_per_1k": "-0.003",
		"output_per_1k": "0.015"
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative price: got %d, want 400", w.Code)
	}
}

func TestMarginConfigReviewFlow(t *testing.T) {
	conn := openHandlerTestDB(t)
	h := NewMarginConfigHandler(conn)

	w := postJSON(t, h.Create, "/v0/admin/margin-configs", `{
		"scope": "provider_tier",
		"tenant_tier": "pro",
		"provider": "Anthropic",
		"margin_multiplier": "1.5",
		"effective_from": "2026-01-01T00:00:00Z"
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body %s", w.Code, w.Body.String())
	}

	var created struct {
		ID             uint64 `json:"id"`
		ApprovalStatus string `json:"approval_status"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &created); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if created.ApprovalStatus != "pending" {
		t.Fatalf("new config status: got %s, want pending", created.ApprovalStatus)
	}

	// Approve it.
	gin.SetMode(gin.TestMode)
	w = httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v0/admin/margin-configs/1/approve", nil)
	c.Params = gin.Params{{Key: "id", Value: "1"}}
	h.Approve(c)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: got %d, body %s", w.Code, w.Body.String())
	}

	// A second review attempt conflicts.
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v0/admin/margin-configs/1/reject", nil)
	c.Params = gin.Params{{Key: "id", Value: "1"}}
	h.Reject(c)
	if w.Code != http.StatusConflict {
		t.Fatalf("re-review: got %d, want 409", w.Code)
	}

	var cfg models.MarginConfig
	if errFind := conn.First(&cfg, created.ID).Error; errFind != nil {
		t.Fatalf("load config: %v", errFind)
	}
	if cfg.ApprovalStatus != models.ApprovalApproved {
		t.Fatalf("final status: got %s, want approved", cfg.ApprovalStatus)
	}
}

func TestMarginConfigScopeValidation(t *testing.T) {
	conn := openHandlerTestDB(t)
	h := NewMarginConfigHandler(conn)

	w := postJSON(t, h.Create, "/v0/admin/margin-configs", `{
		"scope": "provider_tier",
		"provider": "anthropic",
		"margin_multiplier": "1.5",
		"effective_from": "2026-01-01T00:00:00Z"
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("provider_tier without tier: got %d, want 400", w.Code)
	}

	w = postJSON(t, h.Create, "/v0/admin/margin-configs", `{
		"scope": "global",
		"margin_multiplier": "0",
		"effective_from": "2026-01-01T00:00:00Z"
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("zero multiplier: got %d, want 400", w.Code)
	}
}
