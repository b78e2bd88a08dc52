package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"himalaya/native/migration"
	"himalaya/observability/metrics"
	"himalaya/services/migratord/markets"
)

var _ migration.BridgeClient = (*Loopback)(nil)

// ErrNoPending is returned when the loopback queue is empty.
var ErrNoPending = errors.New("bridge: no pending message")

type endpoint struct {
	vault  *markets.Vault
	sender common.Address
}

type message struct {
	id     string
	msg    migration.OutboundMessage
	sentAt time.Time
}

// Loopback is an in-process bridge between simulated chains. Send burns the
// asset from the sending custody on the source vault and queues the message;
// delivery mints it to the destination address and invokes the handler.
// Messages are delivered in send order.
type Loopback struct {
	mu        sync.Mutex
	endpoints map[uint64]endpoint
	handler   migration.DeliveryHandler
	pending   []message
	delivered map[string]message

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.BridgeMetrics
}

// LoopbackOption customises the loopback bridge.
type LoopbackOption func(*Loopback)

// WithChain registers the vault of a simulated chain and the custody account
// that sends from it.
func WithChain(vault *markets.Vault, sender common.Address) LoopbackOption {
	return func(l *Loopback) {
		if vault != nil {
			l.endpoints[vault.Chain()] = endpoint{vault: vault, sender: sender}
		}
	}
}

// WithLoopbackLogger overrides the structured logger.
func WithLoopbackLogger(logger *slog.Logger) LoopbackOption {
	return func(l *Loopback) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoopbackClock sets the function used to stamp messages.
func WithLoopbackClock(clock func() time.Time) LoopbackOption {
	return func(l *Loopback) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLoopback constructs a loopback bridge.
func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		endpoints: make(map[uint64]endpoint),
		delivered: make(map[string]message),
		now:       time.Now,
		logger:    slog.Default(),
		metrics:   metrics.Bridge(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loopback_bridge")
	return l
}

// SetHandler installs the receiver of delivery outcomes.
func (l *Loopback) SetHandler(h migration.DeliveryHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Send implements migration.BridgeClient.
func (l *Loopback) Send(ctx context.Context, msg migration.OutboundMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg.Amount == nil || msg.Amount.Sign() <= 0 {
		return "", fmt.Errorf("bridge: amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.endpoints[msg.SourceChain]
	if !ok {
		return "", fmt.Errorf("%w: source %d", migration.ErrUnknownChain, msg.SourceChain)
	}
	if _, ok := l.endpoints[msg.DestChain]; !ok {
		return "", fmt.Errorf("%w: destination %d", migration.ErrUnknownChain, msg.DestChain)
	}
	if err := src.vault.Burn(src.sender, msg.Asset, msg.Amount); err != nil {
		return "", fmt.Errorf("bridge: lock funds: %w", err)
	}
	queued := message{id: uuid.NewString(), msg: copyMessage(msg), sentAt: l.now()}
	l.pending = append(l.pending, queued)
	l.metrics.IncSent(msg.SourceChain, msg.DestChain)
	l.metrics.SetPending(len(l.pending))
	l.logger.Debug("message queued",
		"message_id", queued.id,
		"source_chain", msg.SourceChain,
		"dest_chain", msg.DestChain,
		"amount", msg.Amount.String())
	return queued.id, nil
}

// Pending returns the number of messages awaiting delivery.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Loopback) pop() (message, migration.DeliveryHandler, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return message{}, nil, ErrNoPending
	}
	if l.handler == nil {
		return message{}, nil, fmt.Errorf("bridge: no delivery handler installed")
	}
	next := l.pending[0]
	l.pending = l.pending[1:]
	l.metrics.SetPending(len(l.pending))
	return next, l.handler, nil
}

// DeliverNext delivers the oldest pending message. The handler runs without
// the bridge lock held since it may send follow-up messages.
func (l *Loopback) DeliverNext(ctx context.Context) error {
	next, handler, err := l.pop()
	if err != nil {
		return err
	}
	l.mu.Lock()
	dst := l.endpoints[next.msg.DestChain]
	l.delivered[next.id] = next
	l.mu.Unlock()

	dst.vault.Mint(next.msg.DestAddress, next.msg.Asset, next.msg.Amount)
	l.metrics.IncDelivered(next.msg.SourceChain, next.msg.DestChain)
	return l.notify(ctx, handler, next)
}

// Flush delivers until the queue is empty, including messages sent by the
// handler while flushing. Handler errors are logged and do not stop the flush.
func (l *Loopback) Flush(ctx context.Context) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		err := l.DeliverNext(ctx)
		switch {
		case errors.Is(err, ErrNoPending):
			return count, nil
		case err != nil && !isHandlerError(err):
			return count, err
		}
		count++
	}
}

// FailNext reports the oldest pending message as failed. The locked funds are
// returned to the sender on the source chain.
func (l *Loopback) FailNext(ctx context.Context, reason string) error {
	next, handler, err := l.pop()
	if err != nil {
		return err
	}
	l.mu.Lock()
	src := l.endpoints[next.msg.SourceChain]
	l.mu.Unlock()
	src.vault.Mint(src.sender, next.msg.Asset, next.msg.Amount)
	l.metrics.IncFailed(next.msg.SourceChain, next.msg.DestChain)
	if err := handler.Failed(ctx, next.id, reason); err != nil {
		return &handlerError{id: next.id, err: err}
	}
	return nil
}

// Redeliver replays the delivery callback of an already delivered message
// without minting again.
func (l *Loopback) Redeliver(ctx context.Context, id string) error {
	l.mu.Lock()
	prior, ok := l.delivered[id]
	handler := l.handler
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("bridge: message %s was not delivered", id)
	}
	return l.notify(ctx, handler, prior)
}

// Run flushes the queue every interval until ctx is cancelled.
func (l *Loopback) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error("flush loopback bridge", "error", err)
			}
		}
	}
}

func (l *Loopback) notify(ctx context.Context, handler migration.DeliveryHandler, m message) error {
	err := handler.Delivered(ctx, migration.Delivery{
		MessageID:   m.id,
		SourceChain: m.msg.SourceChain,
		DestChain:   m.msg.DestChain,
		Asset:       m.msg.Asset,
		Amount:      new(big.Int).Set(m.msg.Amount),
		Payload:     append([]byte(nil), m.msg.Payload...),
	})
	if err == nil || errors.Is(err, migration.ErrDuplicateDelivery) {
		return nil
	}
	l.logger.Warn("delivery rejected by handler", "message_id", m.id, "error", err)
	return &handlerError{id: m.id, err: err}
}

type handlerError struct {
	id  string
	err error
}

func (e *handlerError) Error() string {
	return fmt.Sprintf("bridge: handler rejected message %s: %v", e.id, e.err)
}

func (e *handlerError) Unwrap() error { return e.err }

func isHandlerError(err error) bool {
	var he *handlerError
	return errors.As(err, &he)
}

func copyMessage(msg migration.OutboundMessage) migration.OutboundMessage {
	out := msg
	out.Amount = new(big.Int).Set(msg.Amount)
	out.Payload = append([]byte(nil), msg.Payload...)
	return out
}
