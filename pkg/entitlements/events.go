package entitlements

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/statebus"
)

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// RuleChanged announces a committed rule mutation. Origin names the
// instance that made it so that instance can skip its own echo.
type RuleChanged struct {
	Op       Op        `json:"op"`
	RuleID   string    `json:"rule_id"`
	Resource string    `json:"resource"`
	TenantID string    `json:"tenant_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Origin   string    `json:"origin"`
	At       time.Time `json:"at"`
}

// EventPublisher is the outbound side of rule events.
type EventPublisher interface {
	Publish(ctx context.Context, evt RuleChanged) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, RuleChanged) error { return nil }

// BusPublisher encodes events onto a statebus publisher keyed by rule id.
type BusPublisher struct {
	bus statebus.Publisher
}

func NewBusPublisher(bus statebus.Publisher) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) Publish(ctx context.Context, evt RuleChanged) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, statebus.Message{Key: []byte(evt.RuleID), Value: raw})
}

// Subscribe applies events read from bus until ctx ends. Undecodable
// messages are logged and skipped.
func (s *Service) Subscribe(ctx context.Context, bus statebus.Consumer) {
	for {
		msg, err := bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("rule event read failed", zap.Error(err))
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		var evt RuleChanged
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			s.logger.Warn("rule event undecodable", zap.Error(err))
			continue
		}
		if err := s.ApplyEvent(ctx, evt); err != nil {
			s.logger.Warn("rule event apply failed", zap.String("rule_id", evt.RuleID), zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
