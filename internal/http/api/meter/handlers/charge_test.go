package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tokenbilling/creditledger/internal/billing"
	dbpkg "github.com/tokenbilling/creditledger/internal/db"
	"github.com/tokenbilling/creditledger/internal/ledger"
	"github.com/tokenbilling/creditledger/internal/models"
	"github.com/tokenbilling/creditledger/internal/pricing"
	"gorm.io/gorm"
)

func openChargeTestDB(t *testing.T) *gorm.DB {
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

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, errParse := decimal.NewFromString(s)
	if errParse != nil {
		t.Fatalf("parse decimal %q: %v", s, errParse)
	}
	return d
}

func seedChargeFixtures(t *testing.T, conn *gorm.DB) {
	t.Helper()
	price := models.ModelPrice{
		Provider:      "openai",
		Model:         "gpt-4o",
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		InputPer1K:    dec(t, "0.003"),
		OutputPer1K:   dec(t, "0.015"),
		IsActive:      true,
	}
	if errCreate := conn.Create(&price).Error; errCreate != nil {
		t.Fatalf("seed price: %v", errCreate)
	}
	margin := models.MarginConfig{
		Scope:            models.MarginScopeGlobal,
		MarginMultiplier: dec(t, "2.0"),
		EffectiveFrom:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ApprovalStatus:   models.ApprovalApproved,
		IsActive:         true,
	}
	if errCreate := conn.Create(&margin).Error; errCreate != nil {
		t.Fatalf("seed margin: %v", errCreate)
	}
}

func newChargeHandler(conn *gorm.DB) (*ChargeHandler, *ledger.Ledger) {
	led := ledger.New(conn, nil)
	calc := billing.NewCalculator(pricing.NewBook(conn), pricing.NewResolver(conn))
	return NewChargeHandler(calc, led), led
}

func performCharge(t *testing.T, h *ChargeHandler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v0/meter/charge", strings.NewReader(payload))
	c.Request.Header.Set("Content-Type", "application/json")
	h.Charge(c)
	return w
}

const chargePayload = `{
	"request_id": "req-1",
	"user_id": 1,
	"provider": "openai",
	"model": "gpt-4o",
	"tier": "pro",
	"usage": {"input_tokens": 3000, "output_tokens": 1000},
	"at": "2026-02-01T00:00:00Z"
}`

func TestChargeCommits(t *testing.T) {
	conn := openChargeTestDB(t)
	seedChargeFixtures(t, conn)
	h, led := newChargeHandler(conn)

	if _, errGrant := led.Grant(context.Background(), 1, 10, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	w := performCharge(t, h, chargePayload)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		VendorCost      decimal.Decimal `json:"vendor_cost"`
		CreditValue     decimal.Decimal `json:"credit_value"`
		CreditsDeducted int64           `json:"credits_deducted"`
		Balance         int64           `json:"balance"`
		Duplicate       bool            `json:"duplicate"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if !resp.VendorCost.Equal(dec(t, "0.024")) {
		t.Fatalf("vendor cost: got %s, want 0.024", resp.VendorCost)
	}
	if !resp.CreditValue.Equal(dec(t, "0.048")) {
		t.Fatalf("credit value: got %s, want 0.048", resp.CreditValue)
	}
	if resp.CreditsDeducted != 5 || resp.Balance != 5 {
		t.Fatalf("credits/balance: got %d/%d, want 5/5", resp.CreditsDeducted, resp.Balance)
	}
	if resp.Duplicate {
		t.Fatal("fresh charge marked duplicate")
	}
}

func TestChargeReplayIsDuplicate(t *testing.T) {
	conn := openChargeTestDB(t)
	seedChargeFixtures(t, conn)
	h, led := newChargeHandler(conn)

	if _, errGrant := led.Grant(context.Background(), 1, 10, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	if w := performCharge(t, h, chargePayload); w.Code != http.StatusOK {
		t.Fatalf("first charge: %d %s", w.Code, w.Body.String())
	}
	w := performCharge(t, h, chargePayload)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}

	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if !resp.Duplicate {
		t.Fatal("replay not marked duplicate")
	}

	amount, errBalance := led.Balance(context.Background(), 1)
	if errBalance != nil {
		t.Fatalf("balance: %v", errBalance)
	}
	if amount != 5 {
		t.Fatalf("balance after replay: got %d, want 5", amount)
	}
}

func TestChargeInsufficientBalance(t *testing.T) {
	conn := openChargeTestDB(t)
	seedChargeFixtures(t, conn)
	h, led := newChargeHandler(conn)

	if _, errGrant := led.Grant(context.Background(), 1, 2, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	w := performCharge(t, h, chargePayload)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status: got %d, want 402", w.Code)
	}

	var resp struct {
		Balance  int64 `json:"balance"`
		Required int64 `json:"required"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if resp.Balance != 2 || resp.Required != 5 {
		t.Fatalf("payload: %+v", resp)
	}

	var failed int64
	if errCount := conn.Model(&models.UsageRecord{}).Where("status = ?", models.UsageStatusFailed).Count(&failed).Error; errCount != nil {
		t.Fatalf("count failed: %v", errCount)
	}
	if failed != 1 {
		t.Fatalf("failed audit records: got %d, want 1", failed)
	}
}

func TestChargeUnknownModelIsConfigError(t *testing.T) {
	conn := openChargeTestDB(t)
	seedChargeFixtures(t, conn)
	h, _ := newChargeHandler(conn)

	payload := strings.Replace(chargePayload, `"gpt-4o"`, `"unknown-model"`, 1)
	w := performCharge(t, h, payload)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want 422", w.Code)
	}
}

func TestChargeRejectsBadInput(t *testing.T) {
	conn := openChargeTestDB(t)
	h, _ := newChargeHandler(conn)

	cases := []string{
		`{"user_id": 1, "provider": "openai", "model": "m", "usage": {}}`,
		`{"request_id": "r", "provider": "openai", "model": "m", "usage": {}}`,
		`{"request_id": "r", "user_id": 1, "model": "m", "usage": {}}`,
		`{"request_id": "r", "user_id": 1, "provider": "openai", "model": "m", "usage": {"input_tokens": -1}}`,
	}
	for _, payload := range cases {
		if w := performCharge(t, h, payload); w.Code != http.StatusBadRequest {
			t.Fatalf("payload %s: got %d, want 400", payload, w.Code)
		}
	}
}
