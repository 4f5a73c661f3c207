package blockchain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/sha3"
)

type SimulatedConfig struct {
	MinLatency        time.Duration
	MaxLatency        time.Duration
	SuccessRate       float64 // 0-1, probability a submission is accepted
	RevertRate        float64 // 0-1, probability an accepted transfer later fails on chain
	ConfirmationDelay time.Duration
}

type simulatedTx struct {
	status      TxState
	submittedAt time.Time
	blockNumber uint64
}

// SimulatedProvider is an in-process stand-in for a chain. It applies random
// latency and failures, and confirms accepted transfers after a delay.
type SimulatedProvider struct {
	cfg    SimulatedConfig
	logger zerolog.Logger

	mu        sync.Mutex
	rng       *mrand.Rand
	txs       map[string]*simulatedTx
	byKey     map[string]string
	nextBlock uint64
}

func NewSimulatedProvider(cfg SimulatedConfig) *SimulatedProvider {
	return &SimulatedProvider{
		cfg:       cfg,
		logger:    log.With().Str("service", "simulated_chain").Logger(),
		rng:       mrand.New(mrand.NewSource(time.Now().UnixNano())),
		txs:       make(map[string]*simulatedTx),
		byKey:     make(map[string]string),
		nextBlock: 1_000_000,
	}
}

func (p *SimulatedProvider) ExecuteTransfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	logger := p.logger.With().
		Str("asset_id", req.AssetID).
		Str("amount", req.Amount.String()).
		Str("blockchain", req.Blockchain).
		Str("idempotency_key", req.IdempotencyKey).
		Logger()

	if req.IdempotencyKey != "" {
		p.mu.Lock()
		hash, ok := p.byKey[req.IdempotencyKey]
		p.mu.Unlock()
		if ok {
			logger.Debug().Str("transaction_hash", hash).Msg("replayed transfer")
			return &TransferReceipt{TransactionHash: hash}, nil
		}
	}

	latency := p.latency()
	logger.Debug().Dur("latency", latency).Msg("simulated network latency")
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case <-time.After(latency):
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rng.Float64() > p.cfg.SuccessRate {
		if p.rng.Intn(2) == 0 {
			logger.Warn().Msg("simulated node timeout")
			return nil, fmt.Errorf("%w: node did not respond", ErrTransient)
		}
		logger.Warn().Msg("simulated transfer rejection")
		return nil, fmt.Errorf("%w: simulated rejection", ErrRejected)
	}

	hash, err := newTxHash(req)
	if err != nil {
		return nil, err
	}
	status := TxPending
	if p.rng.Float64() < p.cfg.RevertRate {
		status = TxFailed
	}
	p.txs[hash] = &simulatedTx{status: status, submittedAt: time.Now()}
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = hash
	}

	logger.Info().Str("transaction_hash", hash).Msg("transfer submitted")
	return &TransferReceipt{TransactionHash: hash}, nil
}

func (p *SimulatedProvider) GetTransaction(ctx context.Context, hash, blockchain string) (*TransactionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx, ok := p.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrTransactionNotFound, hash, blockchain)
	}

	if tx.status == TxPending && time.Since(tx.submittedAt) >= p.cfg.ConfirmationDelay {
		p.nextBlock++
		tx.blockNumber = p.nextBlock
		tx.status = TxConfirmed
	}

	out := &TransactionStatus{TransactionHash: hash, Status: tx.status}
	if tx.status == TxConfirmed {
		block := tx.blockNumber
		out.BlockNumber = &block
		out.Confirmations = int(p.nextBlock-tx.blockNumber) + 1
	}
	return out, nil
}

func (p *SimulatedProvider) latency() time.Duration {
	if p.cfg.MaxLatency <= p.cfg.MinLatency {
		return p.cfg.MinLatency
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	span := int64(p.cfg.MaxLatency - p.cfg.MinLatency)
	return p.cfg.MinLatency + time.Duration(p.rng.Int63n(span+1))
}

// newTxHash derives an Ethereum style Keccak-256 hash over the transfer and a
// random nonce, so identical transfers still get distinct hashes
func newTxHash(req TransferRequest) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate transaction hash: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|", req.Blockchain, req.From, req.To, req.AssetID, req.Amount.String(), req.IdempotencyKey)
	h.Write(nonce)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}
