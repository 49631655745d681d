// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/internal/fhe"
	"vehicle-loan-ledger/internal/middleware"
	"vehicle-loan-ledger/internal/usecase"
	"vehicle-loan-ledger/pkg/httputil"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 500
)

// LedgerHandler は台帳操作のHTTPハンドラを提供する。
type LedgerHandler struct {
	service *usecase.LedgerService
	audit   *usecase.AuditLog
	keys    *usecase.KeyManager
}

// NewLedgerHandler は新しいLedgerHandlerを生成する。
func NewLedgerHandler(service *usecase.LedgerService, audit *usecase.AuditLog, keys *usecase.KeyManager) *LedgerHandler {
	return &LedgerHandler{service: service, audit: audit, keys: keys}
}

// CiphertextResponse は暗号文の公開メタデータ。ペイロードは返さない。
type CiphertextResponse struct {
	Ref         string   `json:"ref"`
	Algorithm   string   `json:"algorithm"`
	DataType    string   `json:"data_type"`
	Unit        string   `json:"unit"`
	PublicKeyID string   `json:"public_key_id"`
	Provenance  []string `json:"provenance,omitempty"`
}

// VehicleResponse は車両のレスポンス形式。
type VehicleResponse struct {
	ID         uint64              `json:"id"`
	Make       string              `json:"make"`
	Model      string              `json:"model"`
	Year       uint32              `json:"year"`
	Owner      string              `json:"owner"`
	Price      CiphertextResponse  `json:"price"`
	LoanAmount CiphertextResponse  `json:"loan_amount"`
	APR        CiphertextResponse  `json:"apr"`
	TermMonths CiphertextResponse  `json:"term_months"`
	TokenValue *CiphertextResponse `json:"token_value,omitempty"`
	Tokenized  bool                `json:"tokenized"`
	Available  bool                `json:"available"`
	CreatedAt  string              `json:"created_at"`
}

// ApplicationResponse はローン申請のレスポンス形式。
type ApplicationResponse struct {
	ID              uint64             `json:"id"`
	VehicleID       uint64             `json:"vehicle_id"`
	Borrower        string             `json:"borrower"`
	RequestedAmount CiphertextResponse `json:"requested_amount"`
	MonthlyPayment  CiphertextResponse `json:"monthly_payment"`
	TermMonths      uint32             `json:"term_months"`
	Status          string             `json:"status"`
	CreatedAt       string             `json:"created_at"`
	DecidedAt       *string            `json:"decided_at,omitempty"`
}

// LoanResponse はローンのレスポンス形式。
type LoanResponse struct {
	ID               uint64             `json:"id"`
	ApplicationID    uint64             `json:"application_id"`
	VehicleID        uint64             `json:"vehicle_id"`
	Borrower         string             `json:"borrower"`
	Lender           string             `json:"lender"`
	Principal        CiphertextResponse `json:"principal"`
	MonthlyPayment   CiphertextResponse `json:"monthly_payment"`
	RemainingBalance CiphertextResponse `json:"remaining_balance"`
	TermMonths       uint32             `json:"term_months"`
	PaymentsMade     uint32             `json:"payments_made"`
	IsActive         bool               `json:"is_active"`
	StartTime        string             `json:"start_time"`
	NextPaymentDue   *string            `json:"next_payment_due,omitempty"`
	CompletedAt      *string            `json:"completed_at,omitempty"`
}

// PaymentResponse は支払いのレスポンス形式。
type PaymentResponse struct {
	ID            uint64             `json:"id"`
	LoanID        uint64             `json:"loan_id"`
	Payer         string             `json:"payer"`
	Amount        CiphertextResponse `json:"amount"`
	Status        string             `json:"status"`
	TxRef         string             `json:"tx_ref,omitempty"`
	BlockNumber   uint64             `json:"block_number,omitempty"`
	GasUsed       uint64             `json:"gas_used,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	CreatedAt     string             `json:"created_at"`
}

// PaymentReceiptResponse は支払い受付のレスポンス形式。
type PaymentReceiptResponse struct {
	PaymentID     uint64 `json:"payment_id"`
	CiphertextRef string `json:"ciphertext_ref"`
	TxRef         string `json:"tx_ref"`
	Status        string `json:"status"`
}

// IDResponse は作成されたエンティティのIDを返す。
type IDResponse struct {
	ID uint64 `json:"id"`
}

// AuditEventResponse は監査ログエントリのレスポンス形式。
type AuditEventResponse struct {
	Sequence       uint64   `json:"sequence"`
	EventType      string   `json:"event_type"`
	EntityType     string   `json:"entity_type"`
	EntityID       uint64   `json:"entity_id"`
	Actor          string   `json:"actor"`
	CiphertextRefs []string `json:"ciphertext_refs"`
	ExternalTxRef  string   `json:"external_tx_ref,omitempty"`
	Timestamp      string   `json:"timestamp"`
	PrevHash       string   `json:"prev_hash"`
	Hash           string   `json:"hash"`
}

// PublicKeyResponse は公開鍵情報のレスポンス形式。
type PublicKeyResponse struct {
	ID            string `json:"id"`
	Algorithm     string `json:"algorithm"`
	ModulusBits   int    `json:"modulus_bits"`
	PlaintextBits int    `json:"plaintext_bits"`
	Samples       int    `json:"samples"`
}

type addVehicleRequest struct {
	Make       string `json:"make"`
	Model      string `json:"model"`
	Year       uint32 `json:"year"`
	Price      uint32 `json:"price"`
	LoanAmount uint32 `json:"loan_amount"`
	APRBps     uint32 `json:"apr_bps"`
	TermMonths uint32 `json:"term_months"`
}

type tokenizeRequest struct {
	TokenValue uint32 `json:"token_value"`
}

type applicationRequest struct {
	Amount        uint32 `json:"amount"`
	MonthlyIncome uint32 `json:"monthly_income"`
	CreditScore   uint32 `json:"credit_score"`
}

type decisionRequest struct {
	Approved *bool `json:"approved"`
}

type createLoanRequest struct {
	Lender string `json:"lender"`
}

type paymentRequest struct {
	Amount uint32 `json:"amount"`
}

// AddVehicle は車両を登録する。
func (h *LedgerHandler) AddVehicle(w http.ResponseWriter, r *http.Request) {
	var req addVehicleRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.AddVehicle(r.Context(), domain.VehicleInput{
		Make:       req.Make,
		Model:      req.Model,
		Year:       req.Year,
		Price:      req.Price,
		LoanAmount: req.LoanAmount,
		APR:        req.APRBps,
		TermMonths: req.TermMonths,
	})
	if err != nil {
		h.fail(w, r, "ADD_VEHICLE", 0, err)
		return
	}

	h.succeed(r, "ADD_VEHICLE", id)
	httputil.JSON(w, http.StatusCreated, IDResponse{ID: id})
}

// GetVehicle は車両を取得する。
func (h *LedgerHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicle_id")
	if !ok {
		return
	}

	v, err := h.service.GetVehicle(r.Context(), id)
	if err != nil {
		h.fail(w, r, "GET_VEHICLE", id, err)
		return
	}

	resp := VehicleResponse{
		ID:         v.ID,
		Make:       v.Make,
		Model:      v.Model,
		Year:       v.Year,
		Owner:      v.Owner,
		Price:      toCiphertextResponse(v.Price),
		LoanAmount: toCiphertextResponse(v.LoanAmount),
		APR:        toCiphertextResponse(v.APR),
		TermMonths: toCiphertextResponse(v.TermMonths),
		Tokenized:  v.Tokenized,
		Available:  v.Available,
		CreatedAt:  v.CreatedAt.Format(time.RFC3339),
	}
	if v.TokenValue != nil {
		tv := toCiphertextResponse(*v.TokenValue)
		resp.TokenValue = &tv
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// RevealVehicle は所有者に車両の復号値を返す。
func (h *LedgerHandler) RevealVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicle_id")
	if !ok {
		return
	}

	figures, err := h.service.RevealVehicle(r.Context(), id)
	if err != nil {
		h.fail(w, r, "REVEAL_VEHICLE", id, err)
		return
	}

	h.succeed(r, "REVEAL_VEHICLE", id)
	httputil.JSON(w, http.StatusOK, map[string]any{
		"vehicle_id":  figures.VehicleID,
		"price":       figures.Price,
		"loan_amount": figures.LoanAmount,
		"apr_bps":     figures.APR,
		"term_months": figures.TermMonths,
		"token_value": figures.TokenValue,
	})
}

// TokenizeVehicle は車両をトークン化する。
func (h *LedgerHandler) TokenizeVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "vehicle_id")
	if !ok {
		return
	}
	var req tokenizeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.service.TokenizeVehicle(r.Context(), id, req.TokenValue); err != nil {
		h.fail(w, r, "TOKENIZE_VEHICLE", id, err)
		return
	}

	h.succeed(r, "TOKENIZE_VEHICLE", id)
	w.WriteHeader(http.StatusNoContent)
}

// SubmitApplication はローン申請を提出する。
func (h *LedgerHandler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	vehicleID, ok := pathID(w, r, "vehicle_id")
	if !ok {
		return
	}
	var req applicationRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.SubmitLoanApplication(r.Context(), vehicleID, req.Amount, req.MonthlyIncome, req.CreditScore)
	if err != nil {
		h.fail(w, r, "SUBMIT_APPLICATION", vehicleID, err)
		return
	}

	h.succeed(r, "SUBMIT_APPLICATION", id)
	httputil.JSON(w, http.StatusCreated, IDResponse{ID: id})
}

// GetApplication はローン申請を取得する。
func (h *LedgerHandler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "application_id")
	if !ok {
		return
	}

	app, err := h.service.GetApplication(r.Context(), id)
	if err != nil {
		h.fail(w, r, "GET_APPLICATION", id, err)
		return
	}

	resp := ApplicationResponse{
		ID:              app.ID,
		VehicleID:       app.VehicleID,
		Borrower:        app.Borrower,
		RequestedAmount: toCiphertextResponse(app.RequestedAmount),
		MonthlyPayment:  toCiphertextResponse(app.MonthlyPayment),
		TermMonths:      app.TermMonths,
		Status:          string(app.Status),
		CreatedAt:       app.CreatedAt.Format(time.RFC3339),
	}
	resp.DecidedAt = formatTime(app.DecidedAt)
	httputil.JSON(w, http.StatusOK, resp)
}

// DecideApplication はローン申請を承認または却下する。
func (h *LedgerHandler) DecideApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "application_id")
	if !ok {
		return
	}
	var req decisionRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Approved == nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "approved is required")
		return
	}

	if err := h.service.ApproveLoanApplication(r.Context(), id, *req.Approved); err != nil {
		h.fail(w, r, "DECIDE_APPLICATION", id, err)
		return
	}

	h.succeed(r, "DECIDE_APPLICATION", id)
	w.WriteHeader(http.StatusNoContent)
}

// WithdrawApplication は審査中のローン申請を取り下げる。
func (h *LedgerHandler) WithdrawApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "application_id")
	if !ok {
		return
	}

	if err := h.service.WithdrawLoanApplication(r.Context(), id); err != nil {
		h.fail(w, r, "WITHDRAW_APPLICATION", id, err)
		return
	}

	h.succeed(r, "WITHDRAW_APPLICATION", id)
	w.WriteHeader(http.StatusNoContent)
}

// CreateLoan は承認済みの申請からローンを実行する。
func (h *LedgerHandler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	appID, ok := pathID(w, r, "application_id")
	if !ok {
		return
	}
	var req createLoanRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Lender == "" {
		// 指定がなければ呼び出し元を貸し手とする
		req.Lender, _ = domain.PrincipalFrom(r.Context())
	}

	id, err := h.service.CreateLoan(r.Context(), appID, req.Lender)
	if err != nil {
		h.fail(w, r, "CREATE_LOAN", appID, err)
		return
	}

	h.succeed(r, "CREATE_LOAN", id)
	httputil.JSON(w, http.StatusCreated, IDResponse{ID: id})
}

// GetLoan はローンを取得する。
func (h *LedgerHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loan_id")
	if !ok {
		return
	}

	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		h.fail(w, r, "GET_LOAN", id, err)
		return
	}

	resp := LoanResponse{
		ID:               loan.ID,
		ApplicationID:    loan.ApplicationID,
		VehicleID:        loan.VehicleID,
		Borrower:         loan.Borrower,
		Lender:           loan.Lender,
		Principal:        toCiphertextResponse(loan.Principal),
		MonthlyPayment:   toCiphertextResponse(loan.MonthlyPayment),
		RemainingBalance: toCiphertextResponse(loan.RemainingBalance),
		TermMonths:       loan.TermMonths,
		PaymentsMade:     loan.PaymentsMade,
		IsActive:         loan.IsActive,
		StartTime:        loan.StartTime.Format(time.RFC3339),
		CompletedAt:      formatTime(loan.CompletedAt),
	}
	if loan.IsActive {
		due := usecase.NextPaymentDue(loan.StartTime, loan.PaymentsMade)
		resp.NextPaymentDue = formatTime(&due)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// RevealLoan は借り手または貸し手にローンの復号値を返す。
func (h *LedgerHandler) RevealLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loan_id")
	if !ok {
		return
	}

	figures, err := h.service.RevealLoan(r.Context(), id)
	if err != nil {
		h.fail(w, r, "REVEAL_LOAN", id, err)
		return
	}

	h.succeed(r, "REVEAL_LOAN", id)
	httputil.JSON(w, http.StatusOK, map[string]any{
		"loan_id":           figures.LoanID,
		"principal":         figures.Principal,
		"monthly_payment":   figures.MonthlyPayment,
		"apr_bps":           figures.APR,
		"remaining_balance": figures.RemainingBalance.String(),
		"term_months":       figures.TermMonths,
		"payments_made":     figures.PaymentsMade,
		"next_payment_due":  formatTime(figures.NextPaymentDue),
	})
}

// MakePayment は支払いを受け付ける。wait=true の場合は確定まで待つ。
func (h *LedgerHandler) MakePayment(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan_id")
	if !ok {
		return
	}
	var req paymentRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	receipt, err := h.service.MakePayment(r.Context(), loanID, req.Amount)
	if err != nil {
		h.fail(w, r, "MAKE_PAYMENT", loanID, err)
		return
	}

	status := domain.PaymentStatusPending
	code := http.StatusAccepted
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		// 確定待ちの中断はエラーにせず pending のまま返す
		status, _ = receipt.Settlement.Wait(r.Context())
		if status != domain.PaymentStatusPending {
			code = http.StatusOK
		}
	}

	h.succeed(r, "MAKE_PAYMENT", receipt.PaymentID)
	httputil.JSON(w, code, PaymentReceiptResponse{
		PaymentID:     receipt.PaymentID,
		CiphertextRef: receipt.CiphertextRef,
		TxRef:         string(receipt.TxRef),
		Status:        string(status),
	})
}

// ListPayments はローンの支払い一覧を取得する。
func (h *LedgerHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan_id")
	if !ok {
		return
	}

	payments, err := h.service.ListPayments(r.Context(), loanID)
	if err != nil {
		h.fail(w, r, "LIST_PAYMENTS", loanID, err)
		return
	}

	resp := make([]PaymentResponse, len(payments))
	for i, p := range payments {
		resp[i] = PaymentResponse{
			ID:            p.ID,
			LoanID:        p.LoanID,
			Payer:         p.Payer,
			Amount:        toCiphertextResponse(p.Amount),
			Status:        string(p.Status),
			TxRef:         string(p.TxRef),
			BlockNumber:   p.BlockNumber,
			GasUsed:       p.GasUsed,
			FailureReason: p.FailureReason,
			CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"payments": resp})
}

// ReconcileLoan はローン残高を突合する。
func (h *LedgerHandler) ReconcileLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan_id")
	if !ok {
		return
	}

	rec, err := h.service.ReconcileLoan(r.Context(), loanID)
	if err != nil {
		h.fail(w, r, "RECONCILE_LOAN", loanID, err)
		return
	}

	h.succeed(r, "RECONCILE_LOAN", loanID)
	httputil.JSON(w, http.StatusOK, map[string]any{
		"loan_id":            rec.LoanID,
		"remaining_balance":  rec.RemainingBalance.String(),
		"payments_made":      rec.PaymentsMade,
		"term_months":        rec.TermMonths,
		"is_active":          rec.IsActive,
		"settled":            rec.Settled,
		"within_tolerance":   rec.WithinTolerance,
		"pending_payments":   rec.PendingPayments,
		"completed_payments": rec.CompletedPayments,
		"failed_payments":    rec.FailedPayments,
	})
}

// ListAudit は監査ログを取得する。
func (h *LedgerHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		EntityType: q.Get("entity_type"),
		Limit:      defaultAuditLimit,
	}
	for key, dst := range map[string]*uint64{"entity_id": &filter.EntityID, "after": &filter.AfterSeq} {
		if v := q.Get(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				httputil.Error(w, http.StatusBadRequest, "INVALID_QUERY", "invalid "+key)
				return
			}
			*dst = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditLimit {
			httputil.Error(w, http.StatusBadRequest, "INVALID_QUERY", "invalid limit")
			return
		}
		filter.Limit = n
	}

	events, err := h.audit.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "LIST_AUDIT", 0, err)
		return
	}

	resp := make([]AuditEventResponse, len(events))
	for i, e := range events {
		resp[i] = AuditEventResponse{
			Sequence:       e.Sequence,
			EventType:      string(e.EventType),
			EntityType:     e.EntityType,
			EntityID:       e.EntityID,
			Actor:          e.Actor,
			CiphertextRefs: e.CiphertextRefs,
			ExternalTxRef:  string(e.ExternalTxRef),
			Timestamp:      e.Timestamp.Format(time.RFC3339Nano),
			PrevHash:       e.PrevHash,
			Hash:           e.Hash,
		}
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"events": resp})
}

// VerifyAudit は監査ログのハッシュチェーンを検証する。
func (h *LedgerHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	if err := h.audit.Verify(r.Context()); err != nil {
		if errors.Is(err, domain.ErrAuditChainBroken) {
			httputil.JSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
			return
		}
		h.fail(w, r, "VERIFY_AUDIT", 0, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"valid": true})
}

// Stats はエンティティ件数を返す。
func (h *LedgerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Counters(r.Context())
	if err != nil {
		h.fail(w, r, "STATS", 0, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]int64{
		"vehicles":     c.Vehicles,
		"applications": c.Applications,
		"loans":        c.Loans,
		"payments":     c.Payments,
	})
}

// Reputation はプリンシパルの評価を返す。
func (h *LedgerHandler) Reputation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Reputation(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		h.fail(w, r, "REPUTATION", 0, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{
		"principal":           rep.Principal,
		"borrower_score":      rep.BorrowerScore,
		"lender_score":        rep.LenderScore,
		"loans_borrowed":      rep.LoansBorrowed,
		"loans_repaid":        rep.LoansRepaid,
		"loans_funded":        rep.LoansFunded,
		"funded_loans_repaid": rep.FundedLoansRepaid,
		"payments_completed":  rep.PaymentsCompleted,
		"payments_failed":     rep.PaymentsFailed,
	})
}

// PublicKey は公開鍵情報を返す。
func (h *LedgerHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pk := h.keys.PublicKey()
	if pk == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "NOT_INITIALIZED", "keys are not initialized")
		return
	}
	httputil.JSON(w, http.StatusOK, PublicKeyResponse{
		ID:            h.keys.PublicKeyID(),
		Algorithm:     fhe.Algorithm,
		ModulusBits:   pk.X0.BitLen(),
		PlaintextBits: pk.T.BitLen() - 1,
		Samples:       len(pk.Samples),
	})
}

// Health はヘルスチェックを返す。
func (h *LedgerHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.keys.IsReady() {
		httputil.Error(w, http.StatusServiceUnavailable, "NOT_INITIALIZED", "keys are not initialized")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *LedgerHandler) succeed(r *http.Request, operation string, entityID uint64) {
	middleware.WriteOperationLog(r.Context(), operation, entityID, middleware.ResultSuccess)
}

// fail はエラーをHTTPステータスに変換して返す。
func (h *LedgerHandler) fail(w http.ResponseWriter, r *http.Request, operation string, entityID uint64, err error) {
	middleware.WriteOperationLog(r.Context(), operation, entityID, middleware.ResultFailed)

	status, code := classify(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"operation", operation,
			"entity_id", entityID,
			"error", err,
		)
		httputil.Error(w, status, code, "internal server error")
		return
	}
	httputil.Error(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrVehicleNotFound),
		errors.Is(err, domain.ErrApplicationNotFound),
		errors.Is(err, domain.ErrLoanNotFound),
		errors.Is(err, domain.ErrPaymentNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrDomainMismatch):
		return http.StatusBadRequest, "DOMAIN_MISMATCH"
	case errors.Is(err, domain.ErrInsufficientAmount):
		return http.StatusBadRequest, "INSUFFICIENT_AMOUNT"
	case errors.Is(err, domain.ErrOverflow):
		return http.StatusBadRequest, "OVERFLOW"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, domain.ErrInvalidCiphertext):
		return http.StatusBadRequest, "INVALID_CIPHERTEXT"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict, "INVALID_STATE_TRANSITION"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrLedgerSubmissionFailed):
		return http.StatusBadGateway, "LEDGER_SUBMISSION_FAILED"
	case errors.Is(err, domain.ErrNotInitialized):
		return http.StatusServiceUnavailable, "NOT_INITIALIZED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil || id == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ID", "invalid "+param)
		return 0, false
	}
	return id, true
}

func toCiphertextResponse(ct domain.Ciphertext) CiphertextResponse {
	resp := CiphertextResponse{
		Ref:         ct.Ref(),
		Algorithm:   ct.Algorithm(),
		DataType:    string(ct.DataType()),
		Unit:        string(ct.Unit()),
		PublicKeyID: ct.PublicKeyID(),
	}
	for _, p := range ct.Provenance() {
		resp.Provenance = append(resp.Provenance, string(p))
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
