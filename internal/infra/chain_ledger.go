package infra

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"vehicle-loan-ledger/internal/domain"
)

const (
	baseGas       = 21000
	gasPerPayload = 16
)

var (
	// ErrLedgerClosed はクローズ済みの台帳への送信で返される。
	ErrLedgerClosed = errors.New("ledger closed")
	// ErrTxNotFound は未知のトランザクション参照で返される。
	ErrTxNotFound = domain.ErrTxNotFound
	// ErrChainBroken はブロックの連結またはハッシュが不正な場合に返される。
	ErrChainBroken = errors.New("block chain broken")
)

// RejectRule は取り込み時にトランザクションを拒否するかを判定する。
// 空でない理由を返すとリバート扱いになる。
type RejectRule func(record domain.OperationRecord) string

// Block は封印済みのブロック。
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  time.Time
	TxRefs     []domain.TxRef
}

type chainTx struct {
	ref     domain.TxRef
	hash    common.Hash
	record  domain.OperationRecord
	payload []byte
	done    chan struct{}
	conf    domain.Confirmation
}

// ChainLedgerOption は ChainLedger の設定を変更する。
type ChainLedgerOption func(*ChainLedger)

// WithRejectRule は取り込み時の拒否ルールを設定する。
func WithRejectRule(rule RejectRule) ChainLedgerOption {
	return func(l *ChainLedger) {
		l.reject = rule
	}
}

// ChainLedger はプロセス内で動作するハッシュチェーン型の外部台帳。
// 送信されたトランザクションは一定間隔でブロックに封印され、確定する。
type ChainLedger struct {
	interval time.Duration
	reject   RejectRule
	now      func() time.Time

	mu      sync.Mutex
	pending []*chainTx
	txs     map[domain.TxRef]*chainTx
	blocks  []Block
	closed  bool

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewChainLedger は封印ループを開始した ChainLedger を生成する。
func NewChainLedger(interval time.Duration, opts ...ChainLedgerOption) *ChainLedger {
	l := &ChainLedger{
		interval: interval,
		now:      time.Now,
		txs:      make(map[domain.TxRef]*chainTx),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Submit は操作記録をトランザクションとして受け付け、参照を返す。
func (l *ChainLedger) Submit(ctx context.Context, record domain.OperationRecord) (domain.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	nonce := uuid.New()
	hash := crypto.Keccak256Hash(payload, nonce[:])

	tx := &chainTx{
		ref:     domain.TxRef(hash.Hex()),
		hash:    hash,
		record:  record,
		payload: payload,
		done:    make(chan struct{}),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrLedgerClosed
	}
	l.pending = append(l.pending, tx)
	l.txs[tx.ref] = tx

	slog.DebugContext(ctx, "ledger transaction submitted",
		"tx_ref", tx.ref,
		"operation", record.Operation,
	)
	return tx.ref, nil
}

// Confirm はトランザクションがブロックに取り込まれるか拒否されるまで待つ。
func (l *ChainLedger) Confirm(ctx context.Context, txRef domain.TxRef) (domain.Confirmation, error) {
	l.mu.Lock()
	tx, ok := l.txs[txRef]
	l.mu.Unlock()
	if !ok {
		return domain.Confirmation{}, fmt.Errorf("%w: %s", ErrTxNotFound, txRef)
	}

	select {
	case <-tx.done:
		return tx.conf, nil
	case <-ctx.Done():
		return domain.Confirmation{}, ctx.Err()
	}
}

// Blocks は封印済みブロックのコピーを返す。
func (l *ChainLedger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// Verify はブロックの連結とハッシュを検証する。
func (l *ChainLedger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var parent common.Hash
	for i, b := range l.blocks {
		if b.Number != uint64(i+1) {
			return fmt.Errorf("%w: block %d has number %d", ErrChainBroken, i+1, b.Number)
		}
		if b.ParentHash != parent {
			return fmt.Errorf("%w: block %d parent mismatch", ErrChainBroken, b.Number)
		}
		hashes := make([]common.Hash, 0, len(b.TxRefs))
		for _, ref := range b.TxRefs {
			tx, ok := l.txs[ref]
			if !ok {
				return fmt.Errorf("%w: block %d references unknown tx %s", ErrChainBroken, b.Number, ref)
			}
			hashes = append(hashes, tx.hash)
		}
		if blockHash(b.Number, b.ParentHash, b.Timestamp, hashes) != b.Hash {
			return fmt.Errorf("%w: block %d hash mismatch", ErrChainBroken, b.Number)
		}
		parent = b.Hash
	}
	return nil
}

// Close は封印ループを止め、未封印のトランザクションを最後のブロックに取り込む。
func (l *ChainLedger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		close(l.stop)
		<-l.stopped
		l.seal()
	})
	return nil
}

func (l *ChainLedger) run() {
	defer close(l.stopped)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.seal()
		case <-l.stop:
			return
		}
	}
}

// seal は保留中のトランザクションを1ブロックにまとめて確定させる。
func (l *ChainLedger) seal() {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}
	txs := l.pending
	l.pending = nil

	var parent common.Hash
	if n := len(l.blocks); n > 0 {
		parent = l.blocks[n-1].Hash
	}
	block := Block{
		Number:     uint64(len(l.blocks) + 1),
		ParentHash: parent,
		Timestamp:  l.now().UTC().Truncate(time.Millisecond),
		TxRefs:     make([]domain.TxRef, 0, len(txs)),
	}
	hashes := make([]common.Hash, 0, len(txs))
	for _, tx := range txs {
		block.TxRefs = append(block.TxRefs, tx.ref)
		hashes = append(hashes, tx.hash)

		tx.conf = domain.Confirmation{
			TxRef:       tx.ref,
			Status:      domain.ConfirmationConfirmed,
			BlockNumber: block.Number,
			GasUsed:     baseGas + gasPerPayload*uint64(len(tx.payload)),
		}
		if l.reject != nil {
			if reason := l.reject(tx.record); reason != "" {
				tx.conf.Status = domain.ConfirmationFailed
				tx.conf.Reason = reason
			}
		}
	}
	block.Hash = blockHash(block.Number, block.ParentHash, block.Timestamp, hashes)
	l.blocks = append(l.blocks, block)
	l.mu.Unlock()

	for _, tx := range txs {
		close(tx.done)
	}

	slog.Debug("ledger block sealed",
		"block_number", block.Number,
		"block_hash", block.Hash.Hex(),
		"tx_count", len(txs),
	)
}

func blockHash(number uint64, parent common.Hash, ts time.Time, txs []common.Hash) common.Hash {
	header := make([]byte, 16)
	binary.BigEndian.PutUint64(header[:8], number)
	binary.BigEndian.PutUint64(header[8:], uint64(ts.UnixMilli()))

	parts := make([][]byte, 0, len(txs)+2)
	parts = append(parts, header, parent.Bytes())
	for _, h := range txs {
		parts = append(parts, h.Bytes())
	}
	return crypto.Keccak256Hash(parts...)
}
