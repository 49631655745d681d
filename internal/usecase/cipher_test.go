package usecase

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/internal/fhe"
)

func newTestCipher(t *testing.T) (*Cipher, *Arithmetic) {
	t.Helper()
	keys := NewKeyManager(nil, nil, fhe.DefaultParams())
	if err := keys.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize keys: %v", err)
	}
	c := NewCipher(keys)
	return c, NewArithmetic(c)
}

func mustEncrypt(t *testing.T, c *Cipher, v uint32, dt domain.DataType) domain.Ciphertext {
	t.Helper()
	ct, err := c.Encrypt(v, dt)
	if err != nil {
		t.Fatalf("Encrypt(%d, %s) failed: %v", v, dt, err)
	}
	return ct
}

func mustDecrypt(t *testing.T, c *Cipher, ct domain.Ciphertext) int64 {
	t.Helper()
	v, err := c.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	return v.Int64()
}

func TestCipher_EncryptDecrypt(t *testing.T) {
	c, _ := newTestCipher(t)

	ct := mustEncrypt(t, c, 40000, domain.DataTypeLoanAmount)
	if ct.Algorithm() != fhe.Algorithm || ct.Unit() != domain.UnitCurrency || ct.Bound() != domain.FreshBound {
		t.Errorf("unexpected metadata: algorithm=%s unit=%s bound=%d", ct.Algorithm(), ct.Unit(), ct.Bound())
	}
	if ct.PublicKeyID() != c.keys.PublicKeyID() {
		t.Errorf("want key id %s, got %s", c.keys.PublicKeyID(), ct.PublicKeyID())
	}
	if got := mustDecrypt(t, c, ct); got != 40000 {
		t.Errorf("want 40000, got %d", got)
	}

	again := mustEncrypt(t, c, 40000, domain.DataTypeLoanAmount)
	if again.Ref() == ct.Ref() {
		t.Error("want distinct ciphertexts for the same value")
	}

	if got := mustDecrypt(t, c, mustEncrypt(t, c, math.MaxUint32, domain.DataTypeVehiclePrice)); got != math.MaxUint32 {
		t.Errorf("want MaxUint32, got %d", got)
	}
}

func TestCipher_RejectsComputedTag(t *testing.T) {
	c, _ := newTestCipher(t)
	if _, err := c.Encrypt(1, domain.DataTypeComputed); !errors.Is(err, domain.ErrDomainMismatch) {
		t.Errorf("want ErrDomainMismatch, got %v", err)
	}
}

func TestCipher_NotInitialized(t *testing.T) {
	c := NewCipher(NewKeyManager(nil, nil, fhe.DefaultParams()))

	if _, err := c.Encrypt(1, domain.DataTypeLoanAmount); !errors.Is(err, domain.ErrNotInitialized) {
		t.Errorf("want ErrNotInitialized, got %v", err)
	}
	ready, _ := newTestCipher(t)
	ct := mustEncrypt(t, ready, 1, domain.DataTypeLoanAmount)
	if _, err := c.Decrypt(ct); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want ErrUnauthorized, got %v", err)
	}
}

func TestCipher_DetectsTampering(t *testing.T) {
	c, _ := newTestCipher(t)
	other, _ := newTestCipher(t)
	ct := mustEncrypt(t, c, 741, domain.DataTypeMonthlyPayment)

	retag := ct.Fields()
	retag.DataType = domain.DataTypeLoanAmount

	payload := ct.Fields()
	payload.Payload[0] ^= 0x01

	tests := []struct {
		name string
		ct   domain.Ciphertext
	}{
		{"retagged", domain.NewCiphertext(retag)},
		{"payload", domain.NewCiphertext(payload)},
		{"foreign key", mustEncrypt(t, other, 741, domain.DataTypeMonthlyPayment)},
		{"empty", domain.Ciphertext{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decrypt(tt.ct); !errors.Is(err, domain.ErrInvalidCiphertext) {
				t.Errorf("want ErrInvalidCiphertext, got %v", err)
			}
		})
	}
}

func TestCipher_UnitMustMatchTag(t *testing.T) {
	c, _ := newTestCipher(t)
	ks := c.keys.current()

	payload, err := ks.private.Public.Encrypt(nil, big.NewInt(720))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	ct := c.seal(ks, domain.CiphertextFields{
		DataType: domain.DataTypeCreditScore,
		Unit:     domain.UnitCurrency,
		Bound:    domain.FreshBound,
	}, payload)

	if _, err := c.Decrypt(ct); !errors.Is(err, domain.ErrDomainMismatch) {
		t.Errorf("want ErrDomainMismatch, got %v", err)
	}
}

func TestCipher_DecryptOverflow(t *testing.T) {
	c, _ := newTestCipher(t)
	ks := c.keys.current()

	payload, err := ks.private.Public.Encrypt(nil, big.NewInt(300))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	ct := c.seal(ks, domain.CiphertextFields{
		DataType: domain.DataTypeLoanAmount,
		Unit:     domain.UnitCurrency,
		Bound:    8,
	}, payload)

	if _, err := c.Decrypt(ct); !errors.Is(err, domain.ErrOverflow) {
		t.Errorf("want ErrOverflow, got %v", err)
	}
}

func TestArithmetic_Operations(t *testing.T) {
	c, a := newTestCipher(t)
	payment := mustEncrypt(t, c, 741, domain.DataTypeMonthlyPayment)
	term := mustEncrypt(t, c, 60, domain.DataTypeTermMonths)

	balance, err := a.Multiply(payment, term)
	if err != nil {
		t.Fatalf("Multiply failed: %v", err)
	}
	if got := mustDecrypt(t, c, balance); got != 44460 {
		t.Errorf("want 44460, got %d", got)
	}
	if balance.DataType() != domain.DataTypeComputed || balance.Unit() != domain.UnitCurrency || balance.Bound() != 64 {
		t.Errorf("unexpected product metadata: %s %s %d", balance.DataType(), balance.Unit(), balance.Bound())
	}
	prov := balance.Provenance()
	if len(prov) != 2 || prov[0] != domain.DataTypeMonthlyPayment || prov[1] != domain.DataTypeTermMonths {
		t.Errorf("unexpected provenance: %v", prov)
	}

	paid := mustEncrypt(t, c, 750, domain.DataTypePaymentAmount)
	rest, err := a.Subtract(balance, paid)
	if err != nil {
		t.Fatalf("Subtract failed: %v", err)
	}
	if got := mustDecrypt(t, c, rest); got != 43710 {
		t.Errorf("want 43710, got %d", got)
	}
	if len(rest.Provenance()) != 3 {
		t.Errorf("want provenance of three tags, got %v", rest.Provenance())
	}

	diff, err := a.Subtract(payment, paid)
	if err != nil {
		t.Fatalf("Subtract failed: %v", err)
	}
	if got := mustDecrypt(t, c, diff); got != -9 {
		t.Errorf("want -9, got %d", got)
	}

	sum, err := a.Add(payment, paid)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := mustDecrypt(t, c, sum); got != 1491 {
		t.Errorf("want 1491, got %d", got)
	}
}

func TestArithmetic_DomainRules(t *testing.T) {
	c, a := newTestCipher(t)
	amount := mustEncrypt(t, c, 40000, domain.DataTypeLoanAmount)
	score := mustEncrypt(t, c, 720, domain.DataTypeCreditScore)
	apr := mustEncrypt(t, c, 420, domain.DataTypeAPR)
	term := mustEncrypt(t, c, 60, domain.DataTypeTermMonths)

	if _, err := a.Add(amount, score); !errors.Is(err, domain.ErrDomainMismatch) {
		t.Errorf("want ErrDomainMismatch adding score to currency, got %v", err)
	}
	if _, err := a.Multiply(amount, amount); !errors.Is(err, domain.ErrDomainMismatch) {
		t.Errorf("want ErrDomainMismatch multiplying currency by currency, got %v", err)
	}

	rate, err := a.Multiply(apr, term)
	if err != nil {
		t.Fatalf("Multiply failed: %v", err)
	}
	if rate.Unit() != domain.UnitRate {
		t.Errorf("want rate unit, got %s", rate.Unit())
	}

	product, err := a.Multiply(amount, term)
	if err != nil {
		t.Fatalf("Multiply failed: %v", err)
	}
	if _, err := a.Multiply(product, term); !errors.Is(err, domain.ErrOverflow) {
		t.Errorf("want ErrOverflow beyond 64 bits, got %v", err)
	}
}

func TestArithmetic_AddOverflow(t *testing.T) {
	c, a := newTestCipher(t)
	top := mustEncrypt(t, c, math.MaxUint32, domain.DataTypePaymentAmount)
	one := mustEncrypt(t, c, 1, domain.DataTypePaymentAmount)

	if _, err := a.Add(top, one); !errors.Is(err, domain.ErrOverflow) {
		t.Errorf("want ErrOverflow for MaxUint32+1, got %v", err)
	}
	if _, err := a.Add(one, top); !errors.Is(err, domain.ErrOverflow) {
		t.Errorf("want ErrOverflow for 1+MaxUint32, got %v", err)
	}

	below := mustEncrypt(t, c, math.MaxUint32-1, domain.DataTypePaymentAmount)
	sum, err := a.Add(below, one)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum.Bound() != domain.FreshBound {
		t.Errorf("want bound %d, got %d", domain.FreshBound, sum.Bound())
	}
	if got := mustDecrypt(t, c, sum); got != math.MaxUint32 {
		t.Errorf("want %d, got %d", uint32(math.MaxUint32), got)
	}

	// 負方向は絶対値で判定するため 0 - MaxUint32 は収まる
	zero := mustEncrypt(t, c, 0, domain.DataTypePaymentAmount)
	diff, err := a.Subtract(zero, top)
	if err != nil {
		t.Fatalf("Subtract failed: %v", err)
	}
	if got := mustDecrypt(t, c, diff); got != -math.MaxUint32 {
		t.Errorf("want %d, got %d", -int64(math.MaxUint32), got)
	}
}

func TestLoanMetrics_Quote(t *testing.T) {
	c, a := newTestCipher(t)
	m := NewLoanMetrics(c, a)

	tests := []struct {
		name      string
		principal uint32
		apr       uint32
		term      uint32
		want      uint32
	}{
		{"tesla", 40000, 420, 60, 741},
		{"five percent", 30000, 500, 36, 900},
		{"ten percent", 10000, 1000, 36, 323},
		{"zero rate", 20000, 0, 60, 334},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := m.Quote(tt.principal, tt.apr, tt.term)
			if err != nil {
				t.Fatalf("Quote failed: %v", err)
			}
			if q.MonthlyPayment != tt.want {
				t.Errorf("want monthly %d, got %d", tt.want, q.MonthlyPayment)
			}
			if q.TotalRepayable != tt.want*tt.term || q.TotalInterest != tt.want*tt.term-tt.principal {
				t.Errorf("unexpected totals: %+v", q)
			}
		})
	}

	if _, err := m.Quote(40000, 420, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("want ErrInvalidInput for zero term, got %v", err)
	}
	if _, err := m.Quote(math.MaxUint32, 420, 60); !errors.Is(err, domain.ErrOverflow) {
		t.Errorf("want ErrOverflow, got %v", err)
	}
}

func TestLoanMetrics_ScheduledBalance(t *testing.T) {
	c, a := newTestCipher(t)
	m := NewLoanMetrics(c, a)

	balance, err := m.ScheduledBalance(mustEncrypt(t, c, 741, domain.DataTypeMonthlyPayment), 60)
	if err != nil {
		t.Fatalf("ScheduledBalance failed: %v", err)
	}
	amount := mustEncrypt(t, c, 741, domain.DataTypePaymentAmount)
	after, err := m.ApplyPayment(balance, amount)
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}
	if got := mustDecrypt(t, c, after); got != 43719 {
		t.Errorf("want 43719, got %d", got)
	}
	restored, err := m.RevertPayment(after, amount)
	if err != nil {
		t.Fatalf("RevertPayment failed: %v", err)
	}
	if got := mustDecrypt(t, c, restored); got != 44460 {
		t.Errorf("want 44460, got %d", got)
	}
}

func TestWithinTolerance(t *testing.T) {
	installment := big.NewInt(741)
	tests := []struct {
		balance int64
		want    bool
	}{
		{0, true},
		{-540, true},
		{-741, true},
		{-742, false},
		{1, false},
	}
	for _, tt := range tests {
		if got := WithinTolerance(big.NewInt(tt.balance), installment); got != tt.want {
			t.Errorf("balance %d: want %v, got %v", tt.balance, tt.want, got)
		}
	}
}

func TestNextPaymentDue(t *testing.T) {
	start := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	want := time.Date(2026, 4, 15, 9, 0, 0, 0, time.UTC)
	if got := NextPaymentDue(start, 2); !got.Equal(want) {
		t.Errorf("want %v, got %v", want, got)
	}
}
