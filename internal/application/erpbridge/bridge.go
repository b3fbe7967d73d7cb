// Package erpbridge forwards storefront orders and returns to the ERP and
// runs the operator-triggered catalog resync and pending flush.
package erpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/integration"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/messaging"
)

// BridgeMetrics counts ERP calls that failed.
type BridgeMetrics interface {
	RecordERPFailure(ctx context.Context, operation string)
}

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge)

// WithBridgeMetrics sets the failure counter
func WithBridgeMetrics(m BridgeMetrics) BridgeOption {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithBridgeClock overrides the clock stamped on envelopes
func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) {
		b.now = now
	}
}

// Bridge consumes the integration queues. Every message is translated to
// the versioned contract, its sync state is recorded and then it is
// posted. A failed post leaves the state PENDING and returns the error so
// the delivery layer retries it.
type Bridge struct {
	client  integration.ERPClient
	states  integration.SyncStateRepository
	logger  *zap.Logger
	metrics BridgeMetrics
	now     func() time.Time

	subs []*messaging.Subscription
}

// NewBridge creates a bridge
func NewBridge(client integration.ERPClient, states integration.SyncStateRepository, logger *zap.Logger, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		client: client,
		states: states,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes the order and return queues.
func (b *Bridge) Start(ctx context.Context, consumer messaging.Consumer, concurrency int) error {
	queues := []struct {
		name    string
		handler shared.MessageHandler
	}{
		{integration.OrdersIntegrationQueue, b.HandleOrderCreated},
		{integration.ReturnsIntegrationQueue, b.HandleReturnCreated},
	}
	for _, q := range queues {
		sub, err := consumer.Consume(ctx, q.name, q.handler, messaging.ConsumeOptions{Concurrency: concurrency})
		if err != nil {
			b.Stop()
			return fmt.Errorf("consume %s: %w", q.name, err)
		}
		b.subs = append(b.subs, sub)
		b.logger.Info("erp bridge consumer started", zap.String("queue", q.name))
	}
	return nil
}

// Stop cancels the bridge subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
}

// HandleOrderCreated posts an OrderCreated message to the ERP.
func (b *Bridge) HandleOrderCreated(ctx context.Context, msg shared.Message) error {
	var order integration.OrderCreated
	if err := decode(msg, "order_created", &order); err != nil {
		return err
	}
	env, err := integration.TranslateOrder(order, b.now())
	if err != nil {
		return err
	}
	return b.deliver(ctx, integration.SyncKindOrder, env, b.client.PostOrder)
}

// HandleReturnCreated posts a ReturnCreated message to the ERP.
func (b *Bridge) HandleReturnCreated(ctx context.Context, msg shared.Message) error {
	var ret integration.ReturnCreated
	if err := decode(msg, "return_created", &ret); err != nil {
		return err
	}
	env, err := integration.TranslateReturn(ret, b.now())
	if err != nil {
		return err
	}
	return b.deliver(ctx, integration.SyncKindReturn, env, b.client.PostReturn)
}

type postFunc func(ctx context.Context, env integration.Envelope) error

func (b *Bridge) deliver(ctx context.Context, kind integration.SyncKind, env integration.Envelope, post postFunc) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	state := &integration.SyncState{
		Kind:       kind,
		ExternalID: env.ExternalID,
		Payload:    payload,
	}
	return b.post(ctx, state, env, post)
}

// post sends env and records the outcome on state.
func (b *Bridge) post(ctx context.Context, state *integration.SyncState, env integration.Envelope, post postFunc) error {
	log := b.logger.With(
		zap.String("kind", string(state.Kind)),
		zap.String("external_id", state.ExternalID),
	)

	if err := post(ctx, env); err != nil {
		state.RecordFailure(err)
		if saveErr := b.states.Save(ctx, state); saveErr != nil {
			log.Error("failed to record erp sync failure", zap.Error(saveErr))
		}
		if b.metrics != nil {
			b.metrics.RecordERPFailure(ctx, string(state.Kind))
		}
		log.Warn("erp post failed", zap.Int("attempts", state.Attempts), zap.Error(err))
		return err
	}

	state.RecordSuccess()
	if err := b.states.Save(ctx, state); err != nil {
		// The ERP has the document; a stale PENDING row is re-posted by the
		// next flush, which the ERP treats as an upsert.
		log.Warn("failed to record erp sync success", zap.Error(err))
	}
	log.Info("erp document synced")
	return nil
}

func decode(msg shared.Message, record string, into any) error {
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return fmt.Errorf("%w: %w", integration.ErrInvalidMessage,
			exchange.NewValidationError(record, "payload", err.Error()))
	}
	return nil
}
