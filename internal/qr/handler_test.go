package qr

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

func TestDecodeHandler(t *testing.T) {
	app := fiber.New()
	app.Post("/qr/decode", DecodeHandler)

	p, err := NewPaymentRequest(common.HexToAddress("0x000000000000000000000000000000000000c0fe"), decimal.RequireFromString("4.50"), "lunch", time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("NewPaymentRequest: %v", err)
	}
	raw, _ := p.Encode()

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/qr/decode", bytes.NewReader(raw)), -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Type Type           `json:"type"`
		Data PaymentRequest `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Type != TypePaymentRequest || out.Data.Amount != "4.5" || out.Data.Memo != "lunch" {
		t.Fatalf("unexpected response %+v", out)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/qr/decode", strings.NewReader(`{"version":"2.0","type":"payment_request","data":{}}`)), -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported version, got %d", resp.StatusCode)
	}
}
