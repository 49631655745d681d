package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vehicle-loan-ledger/internal/domain"
)

var tracer = otel.Tracer("vehicle-loan-ledger/internal/usecase")

// VehicleRepository は車両の永続化インターフェース。
// Update は Version による比較更新を行い、不一致なら domain.ErrConflict を返す。
type VehicleRepository interface {
	Create(ctx context.Context, vehicle *domain.Vehicle) error
	FindByID(ctx context.Context, id uint64) (*domain.Vehicle, error)
	Update(ctx context.Context, vehicle *domain.Vehicle) error
	Count(ctx context.Context) (int64, error)
}

// ApplicationRepository はローン申請の永続化インターフェース。
type ApplicationRepository interface {
	Create(ctx context.Context, app *domain.LoanApplication) error
	FindByID(ctx context.Context, id uint64) (*domain.LoanApplication, error)
	Update(ctx context.Context, app *domain.LoanApplication) error
	Count(ctx context.Context) (int64, error)
}

// LoanRepository はローンの永続化インターフェース。
// Originate・ApplyPayment・RevertPayment は複数テーブルを1トランザクションで更新する。
type LoanRepository interface {
	Originate(ctx context.Context, loan *domain.Loan, vehicle *domain.Vehicle) error
	FindByID(ctx context.Context, id uint64) (*domain.Loan, error)
	FindByApplicationID(ctx context.Context, applicationID uint64) (*domain.Loan, error)
	Update(ctx context.Context, loan *domain.Loan) error
	ApplyPayment(ctx context.Context, loan *domain.Loan, payment *domain.Payment) error
	RevertPayment(ctx context.Context, loan *domain.Loan, payment *domain.Payment) error
	Stats(ctx context.Context, principal string) (*domain.Reputation, error)
	Count(ctx context.Context) (int64, error)
}

// PaymentRepository は支払いの永続化インターフェース。
type PaymentRepository interface {
	FindByID(ctx context.Context, id uint64) (*domain.Payment, error)
	ListByLoanID(ctx context.Context, loanID uint64) ([]*domain.Payment, error)
	ListPending(ctx context.Context) ([]*domain.Payment, error)
	AttachTxRef(ctx context.Context, id uint64, txRef domain.TxRef) error
	Settle(ctx context.Context, payment *domain.Payment) error
	Count(ctx context.Context) (int64, error)
}

// LedgerTransport は外部台帳への送信インターフェース。
// Confirm は確定または失敗が報告されるか ctx が終了するまでブロックする。
type LedgerTransport interface {
	Submit(ctx context.Context, record domain.OperationRecord) (domain.TxRef, error)
	Confirm(ctx context.Context, txRef domain.TxRef) (domain.Confirmation, error)
}

// LedgerDeps は LedgerService の依存関係。
type LedgerDeps struct {
	Keys         *KeyManager
	Audit        *AuditLog
	Vehicles     VehicleRepository
	Applications ApplicationRepository
	Loans        LoanRepository
	Payments     PaymentRepository
	Transport    LedgerTransport
	Identity     IdentityProvider
}

// LedgerService は車両・申請・ローン・支払いの状態遷移を管理する。
type LedgerService struct {
	keys         *KeyManager
	cipher       *Cipher
	arithmetic   *Arithmetic
	metrics      *LoanMetrics
	audit        *AuditLog
	vehicles     VehicleRepository
	applications ApplicationRepository
	loans        LoanRepository
	payments     PaymentRepository
	transport    LedgerTransport
	identity     IdentityProvider
	locks        *entityLocks
	now          func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewLedgerService は新しいLedgerServiceを生成する。
func NewLedgerService(deps LedgerDeps) *LedgerService {
	cipher := NewCipher(deps.Keys)
	arithmetic := NewArithmetic(cipher)
	identity := deps.Identity
	if identity == nil {
		identity = ContextIdentity{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LedgerService{
		keys:         deps.Keys,
		cipher:       cipher,
		arithmetic:   arithmetic,
		metrics:      NewLoanMetrics(cipher, arithmetic),
		audit:        deps.Audit,
		vehicles:     deps.Vehicles,
		applications: deps.Applications,
		loans:        deps.Loans,
		payments:     deps.Payments,
		transport:    deps.Transport,
		identity:     identity,
		locks:        newEntityLocks(),
		now:          time.Now,
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Metrics は返済条件の計算機を返す。
func (s *LedgerService) Metrics() *LoanMetrics {
	return s.metrics
}

// AddVehicle は車両を登録する。価格・融資額・金利・期間は暗号化して保存する。
func (s *LedgerService) AddVehicle(ctx context.Context, in domain.VehicleInput) (uint64, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.AddVehicle")
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return 0, err
	}
	if in.Make == "" || in.Model == "" {
		return 0, fmt.Errorf("%w: make and model are required", domain.ErrInvalidInput)
	}
	if in.TermMonths == 0 {
		return 0, fmt.Errorf("%w: term must be positive", domain.ErrInvalidStateTransition)
	}

	price, err := s.cipher.Encrypt(in.Price, domain.DataTypeVehiclePrice)
	if err != nil {
		return 0, err
	}
	loanAmount, err := s.cipher.Encrypt(in.LoanAmount, domain.DataTypeLoanAmount)
	if err != nil {
		return 0, err
	}
	apr, err := s.cipher.Encrypt(in.APR, domain.DataTypeAPR)
	if err != nil {
		return 0, err
	}
	term, err := s.cipher.Encrypt(in.TermMonths, domain.DataTypeTermMonths)
	if err != nil {
		return 0, err
	}

	vehicle := &domain.Vehicle{
		Make:       in.Make,
		Model:      in.Model,
		Year:       in.Year,
		Owner:      actor,
		Price:      price,
		LoanAmount: loanAmount,
		APR:        apr,
		TermMonths: term,
		Available:  true,
	}
	if err := s.vehicles.Create(ctx, vehicle); err != nil {
		return 0, fmt.Errorf("creating vehicle: %w", err)
	}
	span.SetAttributes(attribute.Int64("vehicle.id", int64(vehicle.ID)))

	s.publish(ctx, domain.EventVehicleAdded, domain.EntityVehicle, vehicle.ID, actor,
		price.Ref(), loanAmount.Ref(), apr.Ref(), term.Ref())
	return vehicle.ID, nil
}

// TokenizeVehicle は車両をトークン化する。所有者のみが一度だけ実行できる。
func (s *LedgerService) TokenizeVehicle(ctx context.Context, vehicleID uint64, tokenValue uint32) error {
	ctx, span := tracer.Start(ctx, "LedgerService.TokenizeVehicle",
		trace.WithAttributes(attribute.Int64("vehicle.id", int64(vehicleID))))
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(domain.EntityVehicle, vehicleID)
	defer unlock()

	vehicle, err := s.findVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	if vehicle.Tokenized {
		return fmt.Errorf("%w: vehicle %d is already tokenized", domain.ErrInvalidStateTransition, vehicleID)
	}
	if vehicle.Owner != actor {
		return fmt.Errorf("%w: only the owner can tokenize", domain.ErrUnauthorized)
	}

	token, err := s.cipher.Encrypt(tokenValue, domain.DataTypeTokenValue)
	if err != nil {
		return err
	}
	vehicle.TokenValue = &token
	vehicle.Tokenized = true
	if err := s.vehicles.Update(ctx, vehicle); err != nil {
		return fmt.Errorf("updating vehicle: %w", err)
	}

	s.publish(ctx, domain.EventVehicleTokenized, domain.EntityVehicle, vehicleID, actor, token.Ref())
	return nil
}

// SubmitLoanApplication はローン申請を作成する。
// 車両の金利と期間を復号して月額を見積もり、暗号化して申請に保存する。
func (s *LedgerService) SubmitLoanApplication(ctx context.Context, vehicleID uint64, amount, income, creditScore uint32) (uint64, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.SubmitLoanApplication",
		trace.WithAttributes(attribute.Int64("vehicle.id", int64(vehicleID))))
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return 0, err
	}

	unlock := s.locks.lock(domain.EntityVehicle, vehicleID)
	defer unlock()

	vehicle, err := s.findVehicle(ctx, vehicleID)
	if err != nil {
		return 0, err
	}
	if !vehicle.Tokenized || !vehicle.Available {
		return 0, fmt.Errorf("%w: vehicle %d is not open for applications", domain.ErrInvalidStateTransition, vehicleID)
	}
	if amount == 0 {
		return 0, domain.ErrInsufficientAmount
	}

	// 見積もりのため車両の金利と期間を復号
	apr, err := s.decryptUint32(vehicle.APR)
	if err != nil {
		return 0, fmt.Errorf("decrypting apr: %w", err)
	}
	term, err := s.decryptUint32(vehicle.TermMonths)
	if err != nil {
		return 0, fmt.Errorf("decrypting term: %w", err)
	}
	quote, err := s.metrics.Quote(amount, apr, term)
	if err != nil {
		return 0, fmt.Errorf("quoting loan: %w", err)
	}

	requested, err := s.cipher.Encrypt(amount, domain.DataTypeRequestedAmount)
	if err != nil {
		return 0, err
	}
	monthlyIncome, err := s.cipher.Encrypt(income, domain.DataTypeMonthlyIncome)
	if err != nil {
		return 0, err
	}
	score, err := s.cipher.Encrypt(creditScore, domain.DataTypeCreditScore)
	if err != nil {
		return 0, err
	}
	payment, err := s.cipher.Encrypt(quote.MonthlyPayment, domain.DataTypeMonthlyPayment)
	if err != nil {
		return 0, err
	}

	app := &domain.LoanApplication{
		VehicleID:       vehicleID,
		Borrower:        actor,
		RequestedAmount: requested,
		MonthlyIncome:   monthlyIncome,
		CreditScore:     score,
		MonthlyPayment:  payment,
		TermMonths:      quote.TermMonths,
		Status:          domain.ApplicationStatusPending,
	}
	if err := s.applications.Create(ctx, app); err != nil {
		return 0, fmt.Errorf("creating application: %w", err)
	}

	s.publish(ctx, domain.EventApplicationSubmitted, domain.EntityApplication, app.ID, actor,
		requested.Ref(), monthlyIncome.Ref(), score.Ref(), payment.Ref())
	return app.ID, nil
}

// ApproveLoanApplication は申請を承認または却下する。判断できるのは車両の所有者のみ。
func (s *LedgerService) ApproveLoanApplication(ctx context.Context, applicationID uint64, approved bool) error {
	ctx, span := tracer.Start(ctx, "LedgerService.ApproveLoanApplication",
		trace.WithAttributes(attribute.Int64("application.id", int64(applicationID))))
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(domain.EntityApplication, applicationID)
	defer unlock()

	app, err := s.findApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.Status != domain.ApplicationStatusPending {
		return fmt.Errorf("%w: application %d is %s", domain.ErrInvalidStateTransition, applicationID, app.Status)
	}
	vehicle, err := s.findVehicle(ctx, app.VehicleID)
	if err != nil {
		return err
	}
	if vehicle.Owner != actor {
		return fmt.Errorf("%w: only the vehicle owner can decide", domain.ErrUnauthorized)
	}

	event := domain.EventApplicationApproved
	app.Status = domain.ApplicationStatusApproved
	if !approved {
		event = domain.EventApplicationRejected
		app.Status = domain.ApplicationStatusRejected
	}
	decided := s.now()
	app.DecidedAt = &decided
	if err := s.applications.Update(ctx, app); err != nil {
		return fmt.Errorf("updating application: %w", err)
	}

	s.publish(ctx, event, domain.EntityApplication, applicationID, actor)
	return nil
}

// WithdrawLoanApplication は申請者が審査中の申請を取り下げる。
func (s *LedgerService) WithdrawLoanApplication(ctx context.Context, applicationID uint64) error {
	ctx, span := tracer.Start(ctx, "LedgerService.WithdrawLoanApplication",
		trace.WithAttributes(attribute.Int64("application.id", int64(applicationID))))
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(domain.EntityApplication, applicationID)
	defer unlock()

	app, err := s.findApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.Status != domain.ApplicationStatusPending {
		return fmt.Errorf("%w: application %d is %s", domain.ErrInvalidStateTransition, applicationID, app.Status)
	}
	if app.Borrower != actor {
		return fmt.Errorf("%w: only the borrower can withdraw", domain.ErrUnauthorized)
	}

	decided := s.now()
	app.Status = domain.ApplicationStatusWithdrawn
	app.DecidedAt = &decided
	if err := s.applications.Update(ctx, app); err != nil {
		return fmt.Errorf("updating application: %w", err)
	}

	s.publish(ctx, domain.EventApplicationWithdrawn, domain.EntityApplication, applicationID, actor)
	return nil
}

// CreateLoan は承認済みの申請からローンを実行する。
// 残高は月額×回数の返済予定総額として準同型演算で求める。
func (s *LedgerService) CreateLoan(ctx context.Context, applicationID uint64, lender string) (uint64, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.CreateLoan",
		trace.WithAttributes(attribute.Int64("application.id", int64(applicationID))))
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return 0, err
	}
	if lender == "" {
		return 0, fmt.Errorf("%w: lender is required", domain.ErrInvalidInput)
	}

	// ロック順序は車両、申請の順
	peek, err := s.findApplication(ctx, applicationID)
	if err != nil {
		return 0, err
	}
	unlockVehicle := s.locks.lock(domain.EntityVehicle, peek.VehicleID)
	defer unlockVehicle()
	unlockApp := s.locks.lock(domain.EntityApplication, applicationID)
	defer unlockApp()

	app, err := s.findApplication(ctx, applicationID)
	if err != nil {
		return 0, err
	}
	if app.Status != domain.ApplicationStatusApproved {
		return 0, fmt.Errorf("%w: application %d is %s", domain.ErrInvalidStateTransition, applicationID, app.Status)
	}
	existing, err := s.loans.FindByApplicationID(ctx, applicationID)
	if err != nil {
		return 0, fmt.Errorf("finding loan: %w", err)
	}
	if existing != nil {
		return 0, fmt.Errorf("%w: application %d already has loan %d", domain.ErrInvalidStateTransition, applicationID, existing.ID)
	}
	vehicle, err := s.findVehicle(ctx, app.VehicleID)
	if err != nil {
		return 0, err
	}
	if !vehicle.Available {
		return 0, fmt.Errorf("%w: vehicle %d is already financed", domain.ErrInvalidStateTransition, vehicle.ID)
	}

	balance, err := s.metrics.ScheduledBalance(app.MonthlyPayment, app.TermMonths)
	if err != nil {
		return 0, fmt.Errorf("computing scheduled balance: %w", err)
	}

	loan := &domain.Loan{
		ApplicationID:    applicationID,
		VehicleID:        vehicle.ID,
		Borrower:         app.Borrower,
		Lender:           lender,
		Principal:        app.RequestedAmount,
		MonthlyPayment:   app.MonthlyPayment,
		APR:              vehicle.APR,
		RemainingBalance: balance,
		TermMonths:       app.TermMonths,
		IsActive:         true,
		StartTime:        s.now(),
	}
	vehicle.Available = false
	if err := s.loans.Originate(ctx, loan, vehicle); err != nil {
		return 0, fmt.Errorf("originating loan: %w", err)
	}
	span.SetAttributes(attribute.Int64("loan.id", int64(loan.ID)))

	s.publish(ctx, domain.EventLoanCreated, domain.EntityLoan, loan.ID, actor,
		loan.Principal.Ref(), loan.MonthlyPayment.Ref(), loan.APR.Ref(), balance.Ref())
	return loan.ID, nil
}

// GetVehicle は車両を返す。機微な値は暗号文のまま。
func (s *LedgerService) GetVehicle(ctx context.Context, vehicleID uint64) (*domain.Vehicle, error) {
	return s.findVehicle(ctx, vehicleID)
}

// GetApplication はローン申請を返す。
func (s *LedgerService) GetApplication(ctx context.Context, applicationID uint64) (*domain.LoanApplication, error) {
	return s.findApplication(ctx, applicationID)
}

// GetLoan はローンを返す。機微な値は暗号文のまま。
func (s *LedgerService) GetLoan(ctx context.Context, loanID uint64) (*domain.Loan, error) {
	return s.findLoan(ctx, loanID)
}

// RevealVehicle は所有者に対して車両の値を復号して返す。
func (s *LedgerService) RevealVehicle(ctx context.Context, vehicleID uint64) (*domain.VehicleFigures, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.RevealVehicle")
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	vehicle, err := s.findVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if vehicle.Owner != actor {
		return nil, fmt.Errorf("%w: only the owner can reveal vehicle figures", domain.ErrUnauthorized)
	}

	figures := &domain.VehicleFigures{VehicleID: vehicleID}
	fields := []struct {
		ct  domain.Ciphertext
		dst *int64
	}{
		{vehicle.Price, &figures.Price},
		{vehicle.LoanAmount, &figures.LoanAmount},
		{vehicle.APR, &figures.APR},
		{vehicle.TermMonths, &figures.TermMonths},
	}
	for _, f := range fields {
		if *f.dst, err = s.decryptInt64(f.ct); err != nil {
			return nil, err
		}
	}
	if vehicle.TokenValue != nil {
		token, err := s.decryptInt64(*vehicle.TokenValue)
		if err != nil {
			return nil, err
		}
		figures.TokenValue = &token
	}
	return figures, nil
}

// RevealLoan は借り手または貸し手に対してローンの値を復号して返す。
func (s *LedgerService) RevealLoan(ctx context.Context, loanID uint64) (*domain.LoanFigures, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.RevealLoan")
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !isParty(loan, actor) {
		return nil, fmt.Errorf("%w: only the borrower or lender can reveal loan figures", domain.ErrUnauthorized)
	}

	figures := &domain.LoanFigures{
		LoanID:       loanID,
		TermMonths:   loan.TermMonths,
		PaymentsMade: loan.PaymentsMade,
	}
	if figures.Principal, err = s.decryptInt64(loan.Principal); err != nil {
		return nil, err
	}
	if figures.MonthlyPayment, err = s.decryptInt64(loan.MonthlyPayment); err != nil {
		return nil, err
	}
	if figures.APR, err = s.decryptInt64(loan.APR); err != nil {
		return nil, err
	}
	if figures.RemainingBalance, err = s.cipher.Decrypt(loan.RemainingBalance); err != nil {
		return nil, err
	}
	if loan.IsActive {
		due := NextPaymentDue(loan.StartTime, loan.PaymentsMade)
		figures.NextPaymentDue = &due
	}
	return figures, nil
}

// ListPayments はローンの支払い一覧を返す。
func (s *LedgerService) ListPayments(ctx context.Context, loanID uint64) ([]*domain.Payment, error) {
	if _, err := s.findLoan(ctx, loanID); err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByLoanID(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return payments, nil
}

// ReconcileLoan は残高を復号して支払い状況と突き合わせる。
// 残高が0以下で確定待ちの支払いがなければローンを完了させる。
func (s *LedgerService) ReconcileLoan(ctx context.Context, loanID uint64) (*domain.LoanReconciliation, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.ReconcileLoan",
		trace.WithAttributes(attribute.Int64("loan.id", int64(loanID))))
	defer span.End()

	actor, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(domain.EntityLoan, loanID)
	defer unlock()

	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !isParty(loan, actor) {
		return nil, fmt.Errorf("%w: only the borrower or lender can reconcile", domain.ErrUnauthorized)
	}

	balance, err := s.cipher.Decrypt(loan.RemainingBalance)
	if err != nil {
		return nil, fmt.Errorf("decrypting balance: %w", err)
	}
	installment, err := s.cipher.Decrypt(loan.MonthlyPayment)
	if err != nil {
		return nil, fmt.Errorf("decrypting installment: %w", err)
	}
	payments, err := s.payments.ListByLoanID(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}

	result := &domain.LoanReconciliation{
		LoanID:           loanID,
		RemainingBalance: balance,
		TermMonths:       loan.TermMonths,
		WithinTolerance:  WithinTolerance(balance, installment),
	}
	for _, p := range payments {
		switch p.Status {
		case domain.PaymentStatusPending:
			result.PendingPayments++
		case domain.PaymentStatusCompleted:
			result.CompletedPayments++
		case domain.PaymentStatusFailed:
			result.FailedPayments++
		}
	}

	if balance.Sign() <= 0 && result.PendingPayments == 0 && loan.CompletedAt == nil {
		if err := s.completeLoan(ctx, loan, actor); err != nil {
			return nil, err
		}
	}
	result.PaymentsMade = loan.PaymentsMade
	result.IsActive = loan.IsActive
	result.Settled = loan.CompletedAt != nil
	return result, nil
}

// Counters はエンティティ種別ごとの件数を返す。
func (s *LedgerService) Counters(ctx context.Context) (*domain.LedgerCounters, error) {
	var (
		c   domain.LedgerCounters
		err error
	)
	if c.Vehicles, err = s.vehicles.Count(ctx); err != nil {
		return nil, fmt.Errorf("counting vehicles: %w", err)
	}
	if c.Applications, err = s.applications.Count(ctx); err != nil {
		return nil, fmt.Errorf("counting applications: %w", err)
	}
	if c.Loans, err = s.loans.Count(ctx); err != nil {
		return nil, fmt.Errorf("counting loans: %w", err)
	}
	if c.Payments, err = s.payments.Count(ctx); err != nil {
		return nil, fmt.Errorf("counting payments: %w", err)
	}
	return &c, nil
}

// Reputation はプリンシパルの借り手・貸し手としての評価を返す。
func (s *LedgerService) Reputation(ctx context.Context, principal string) (*domain.Reputation, error) {
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", domain.ErrInvalidInput)
	}
	rep, err := s.loans.Stats(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("collecting reputation stats: %w", err)
	}
	rep.Principal = principal
	rep.ComputeScores()
	return rep, nil
}

// Close は実行中の確定待ちタスクをキャンセルし、終了を待つ。
func (s *LedgerService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// completeLoan はローンを完了状態にする。呼び出し側でローンのロックを保持すること。
func (s *LedgerService) completeLoan(ctx context.Context, loan *domain.Loan, actor string) error {
	completed := s.now()
	loan.IsActive = false
	loan.CompletedAt = &completed
	if err := s.loans.Update(ctx, loan); err != nil {
		return fmt.Errorf("completing loan: %w", err)
	}
	s.record(ctx, domain.AuditEvent{
		EventType:      domain.EventLoanCompleted,
		EntityType:     domain.EntityLoan,
		EntityID:       loan.ID,
		Actor:          actor,
		CiphertextRefs: []string{loan.RemainingBalance.Ref()},
	})
	return nil
}

// publish は外部台帳へ操作記録を送り、監査ログに追記する。
// 状態は確定済みのため送信失敗はエラーにせず LedgerForwardFailed として記録する。
func (s *LedgerService) publish(ctx context.Context, event domain.EventType, entityType string, entityID uint64, actor string, refs ...string) {
	txRef, err := s.transport.Submit(ctx, domain.OperationRecord{
		Operation:      event,
		EntityType:     entityType,
		EntityID:       entityID,
		Actor:          actor,
		CiphertextRefs: refs,
		Timestamp:      s.now().UTC(),
	})
	s.record(ctx, domain.AuditEvent{
		EventType:      event,
		EntityType:     entityType,
		EntityID:       entityID,
		Actor:          actor,
		CiphertextRefs: refs,
		ExternalTxRef:  txRef,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to forward operation to ledger",
			"operation", string(event),
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
		s.record(ctx, domain.AuditEvent{
			EventType:  domain.EventLedgerForwardFailed,
			EntityType: entityType,
			EntityID:   entityID,
			Actor:      actor,
		})
	}
}

// record は監査ログに追記する。失敗はログに残す。
func (s *LedgerService) record(ctx context.Context, event domain.AuditEvent) {
	if _, err := s.audit.Record(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to record audit event",
			"operation", string(event.EventType),
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
			"error", err,
		)
	}
}

func (s *LedgerService) principal(ctx context.Context) (string, error) {
	actor, err := s.identity.Principal(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return actor, nil
}

func (s *LedgerService) findVehicle(ctx context.Context, id uint64) (*domain.Vehicle, error) {
	vehicle, err := s.vehicles.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding vehicle: %w", err)
	}
	if vehicle == nil {
		return nil, domain.ErrVehicleNotFound
	}
	return vehicle, nil
}

func (s *LedgerService) findApplication(ctx context.Context, id uint64) (*domain.LoanApplication, error) {
	app, err := s.applications.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding application: %w", err)
	}
	if app == nil {
		return nil, domain.ErrApplicationNotFound
	}
	return app, nil
}

func (s *LedgerService) findLoan(ctx context.Context, id uint64) (*domain.Loan, error) {
	loan, err := s.loans.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding loan: %w", err)
	}
	if loan == nil {
		return nil, domain.ErrLoanNotFound
	}
	return loan, nil
}

func (s *LedgerService) decryptUint32(ct domain.Ciphertext) (uint32, error) {
	v, err := s.cipher.Decrypt(ct)
	if err != nil {
		return 0, err
	}
	if v.Sign() < 0 || !v.IsUint64() || v.Uint64() > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d is outside the plaintext domain", domain.ErrOverflow, v)
	}
	return uint32(v.Uint64()), nil
}

func (s *LedgerService) decryptInt64(ct domain.Ciphertext) (int64, error) {
	v, err := s.cipher.Decrypt(ct)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: value does not fit in 64 bits", domain.ErrOverflow)
	}
	return v.Int64(), nil
}

func isParty(loan *domain.Loan, actor string) bool {
	return loan.Borrower == actor || loan.Lender == actor
}

// spanError はスパンにエラーを記録する。
func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
