package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agrimesh/escrowd/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit escrow lifecycle events to the parties
// involved. All methods are fire-and-forget: errors are logged but never
// returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}, parties ...string) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, party := range parties {
		if err := e.d.DispatchToParty(ctx, party, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "party", party, "error", err)
		}
	}
}

// EmitEscrowCreated emits an escrow.created event to both parties.
func (e *Emitter) EmitEscrowCreated(escrowID int64, buyer, seller, amount string, deadline time.Time) {
	e.emit(EventEscrowCreated, map[string]interface{}{
		"escrowId":        escrowID,
		"buyer":           buyer,
		"seller":          seller,
		"amount":          amount,
		"confirmDeadline": deadline,
	}, buyer, seller)
}

// EmitEscrowConfirmed emits an escrow.confirmed event to both parties.
func (e *Emitter) EmitEscrowConfirmed(escrowID int64, buyer, seller, resolution string) {
	e.emit(EventEscrowConfirmed, map[string]interface{}{
		"escrowId":   escrowID,
		"buyer":      buyer,
		"seller":     seller,
		"resolution": resolution,
	}, buyer, seller)
}

// EmitEscrowDisputed emits an escrow.disputed event to both parties.
func (e *Emitter) EmitEscrowDisputed(escrowID int64, buyer, seller, openedBy string) {
	e.emit(EventEscrowDisputed, map[string]interface{}{
		"escrowId": escrowID,
		"buyer":    buyer,
		"seller":   seller,
		"openedBy": openedBy,
	}, buyer, seller)
}

// EmitDisputeResolved emits a dispute.resolved event to both parties.
func (e *Emitter) EmitDisputeResolved(escrowID int64, buyer, seller, winner string) {
	e.emit(EventDisputeResolved, map[string]interface{}{
		"escrowId": escrowID,
		"buyer":    buyer,
		"seller":   seller,
		"winner":   winner,
	}, buyer, seller)
}

// EmitFundsReleased emits a funds.released event to both parties.
func (e *Emitter) EmitFundsReleased(escrowID int64, buyer, seller, amount, status string) {
	e.emit(EventFundsReleased, map[string]interface{}{
		"escrowId": escrowID,
		"buyer":    buyer,
		"seller":   seller,
		"amount":   amount,
		"status":   status,
	}, buyer, seller)
}
