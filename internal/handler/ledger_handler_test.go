package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/internal/fhe"
	"vehicle-loan-ledger/internal/infra"
	"vehicle-loan-ledger/internal/repository"
	"vehicle-loan-ledger/internal/usecase"
)

const (
	ownerToken    = "owner-token"
	borrowerToken = "borrower-token"
	lenderToken   = "lender-token"
)

// mockVerifier はトークンとプリンシパルの対応表で検証する。
type mockVerifier struct{}

func (mockVerifier) Verify(token string) (string, error) {
	switch token {
	case ownerToken:
		return "0xowner", nil
	case borrowerToken:
		return "0xborrower", nil
	case lenderToken:
		return "0xlender", nil
	}
	return "", errors.New("unknown token")
}

type testServer struct {
	handler *LedgerHandler
	router  http.Handler
	ledger  *infra.ChainLedger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	keys := usecase.NewKeyManager(nil, nil, fhe.DefaultParams())
	if err := keys.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize keys: %v", err)
	}

	ledger := infra.NewChainLedger(2 * time.Millisecond)
	audit := usecase.NewAuditLog(repository.NewAuditRepository(db))
	service := usecase.NewLedgerService(usecase.LedgerDeps{
		Keys:         keys,
		Audit:        audit,
		Vehicles:     repository.NewVehicleRepository(db),
		Applications: repository.NewApplicationRepository(db),
		Loans:        repository.NewLoanRepository(db),
		Payments:     repository.NewPaymentRepository(db),
		Transport:    ledger,
	})
	t.Cleanup(func() {
		service.Close()
		ledger.Close()
		sqlDB.Close()
	})

	h := NewLedgerHandler(service, audit, keys)
	return &testServer{handler: h, router: NewRouter(h, mockVerifier{}), ledger: ledger}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeID(t *testing.T, rec *httptest.ResponseRecorder) uint64 {
	t.Helper()
	var resp IDResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.ID
}

// openLoan は車両登録から融資実行までを行い、ローンIDを返す。
func (s *testServer) openLoan(t *testing.T) uint64 {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/v1/vehicles", ownerToken, map[string]any{
		"make": "Tesla", "model": "Model 3", "year": 2024,
		"price": 45000, "loan_amount": 40000, "apr_bps": 420, "term_months": 60,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add vehicle: want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	vehicleID := decodeID(t, rec)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/vehicles/%d/tokenize", vehicleID), ownerToken, map[string]any{"token_value": 45000})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("tokenize: want 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/vehicles/%d/applications", vehicleID), borrowerToken, map[string]any{
		"amount": 40000, "monthly_income": 9000, "credit_score": 720,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit application: want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	appID := decodeID(t, rec)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/applications/%d/decision", appID), ownerToken, map[string]any{"approved": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("approve: want 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/applications/%d/loan", appID), lenderToken, map[string]any{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create loan: want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeID(t, rec)
}

func TestLedgerHandler_LoanLifecycle(t *testing.T) {
	s := newTestServer(t)
	loanID := s.openLoan(t)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/v1/loans/%d", loanID), borrowerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get loan: want 200, got %d", rec.Code)
	}
	var loan LoanResponse
	if err := json.NewDecoder(rec.Body).Decode(&loan); err != nil {
		t.Fatalf("failed to decode loan: %v", err)
	}
	if loan.Lender != "0xlender" || loan.Borrower != "0xborrower" {
		t.Errorf("unexpected parties: %+v", loan)
	}
	if loan.RemainingBalance.Algorithm != fhe.Algorithm {
		t.Errorf("want algorithm %s, got %s", fhe.Algorithm, loan.RemainingBalance.Algorithm)
	}
	if strings.Contains(rec.Body.String(), "payload") {
		t.Error("loan response must not expose ciphertext payloads")
	}

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/loans/%d/payments?wait=true", loanID), borrowerToken, map[string]any{"amount": 741})
	if rec.Code != http.StatusOK {
		t.Fatalf("make payment: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var receipt PaymentReceiptResponse
	if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil {
		t.Fatalf("failed to decode receipt: %v", err)
	}
	if receipt.Status != string(domain.PaymentStatusCompleted) {
		t.Errorf("want completed, got %s", receipt.Status)
	}
	if receipt.TxRef == "" {
		t.Error("want tx ref")
	}

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v1/loans/%d/figures", loanID), lenderToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reveal loan: want 200, got %d", rec.Code)
	}
	var figures map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&figures); err != nil {
		t.Fatalf("failed to decode figures: %v", err)
	}
	if figures["remaining_balance"] != "43719" {
		t.Errorf("want remaining balance 43719, got %v", figures["remaining_balance"])
	}
	if figures["monthly_payment"] != float64(741) {
		t.Errorf("want monthly payment 741, got %v", figures["monthly_payment"])
	}

	rec = s.do(t, http.MethodGet, "/v1/audit/verify", ownerToken, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Errorf("want valid audit chain, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/v1/stats", ownerToken, nil)
	var stats map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats["vehicles"] != 1 || stats["loans"] != 1 || stats["payments"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestLedgerHandler_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	loanID := s.openLoan(t)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"missing token", http.MethodGet, "/v1/stats", "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown vehicle", http.MethodGet, "/v1/vehicles/999", ownerToken, nil, http.StatusNotFound, "NOT_FOUND"},
		{"invalid id", http.MethodGet, "/v1/loans/abc", ownerToken, nil, http.StatusBadRequest, "INVALID_ID"},
		{"stranger reveals loan", http.MethodGet, fmt.Sprintf("/v1/loans/%d/figures", loanID), ownerToken, nil, http.StatusForbidden, "UNAUTHORIZED"},
		{"zero payment", http.MethodPost, fmt.Sprintf("/v1/loans/%d/payments", loanID), borrowerToken, map[string]any{"amount": 0}, http.StatusBadRequest, "INSUFFICIENT_AMOUNT"},
		{"decide twice", http.MethodPost, "/v1/applications/1/decision", ownerToken, map[string]any{"approved": false}, http.StatusConflict, "INVALID_STATE_TRANSITION"},
		{"missing decision", http.MethodPost, "/v1/applications/1/decision", ownerToken, map[string]any{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", http.MethodPost, "/v1/vehicles", ownerToken, map[string]any{"colour": "red"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty make", http.MethodPost, "/v1/vehicles", ownerToken, map[string]any{"model": "X", "term_months": 12}, http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("want status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			var resp struct {
				Code string `json:"code"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("want code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestLedgerHandler_PublicKeyAndHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/keys/public", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var pk PublicKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&pk); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if pk.PlaintextBits != fhe.DefaultParams().PlaintextBits {
		t.Errorf("want %d plaintext bits, got %d", fhe.DefaultParams().PlaintextBits, pk.PlaintextBits)
	}
	if pk.ID == "" {
		t.Error("want public key id")
	}

	rec = s.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("want 200, got %d", rec.Code)
	}
}

func TestLedgerHandler_HealthNotInitialized(t *testing.T) {
	h := NewLedgerHandler(nil, nil, usecase.NewKeyManager(nil, nil, fhe.DefaultParams()))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("want 503, got %d", rec.Code)
	}
}

func TestLedgerHandler_ListAuditInvalidQuery(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit?limit=0", nil)
	rctx := chi.NewRouteContext()
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	s.handler.ListAudit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want 400, got %d", rec.Code)
	}
}
