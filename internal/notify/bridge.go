package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// bridgeChannels are the signal bus channels the bridge listens on.
var bridgeChannels = []string{"pools", "operations", "withdrawals"}

// Bridge subscribes to the signal bus and forwards pool lifecycle events to
// the Notifier so operators hear about cancellations, maturities, and low
// reserve without watching the dashboard.
type Bridge struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewBridge creates a Bridge between the signal bus and the notifier.
func NewBridge(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Run consumes events until the context is cancelled. It should be called in
// a goroutine.
func (b *Bridge) Run(ctx context.Context) error {
	for _, ch := range bridgeChannels {
		msgCh, err := b.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", ch, err)
		}
		go b.consume(ctx, ch, msgCh)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bridge) consume(ctx context.Context, channel string, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				return
			}
			b.forward(ctx, channel, data)
		}
	}
}

// forward extracts the event type from the payload and hands it to the
// notifier, which applies the operator's event filter.
func (b *Bridge) forward(ctx context.Context, channel string, data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	event, _ := payload["event"].(string)
	if event == "" && channel == "operations" {
		// Operation payloads carry type and status instead of an event name.
		if status, ok := payload["status"].(string); ok {
			event = "operation_" + status
		}
	}
	if event == "" {
		return
	}

	poolID, _ := payload["pool_id"].(string)
	title := fmt.Sprintf("[%s] %s", channel, event)
	message := fmt.Sprintf("pool %s", poolID)
	if detail, err := json.MarshalIndent(payload, "", "  "); err == nil {
		message = string(detail)
	}

	if err := b.notifier.Notify(ctx, event, title, message); err != nil {
		b.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
