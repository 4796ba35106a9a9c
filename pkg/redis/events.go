package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const EventMilestoneSynced = "milestone.synced"

// GetChannel returns the Pub/Sub channel for a network and event type.
// Format: permanode:{network}:{eventType}
func GetChannel(network, eventType string) string {
	return fmt.Sprintf("permanode:%s:%s", network, eventType)
}

// GetMilestoneStream returns the stream that keeps recent milestone.synced events.
func GetMilestoneStream(network string) string {
	return GetChannel(network, "milestones")
}

// MilestoneSyncedEvent is published after a milestone and its analytics are stored.
type MilestoneSyncedEvent struct {
	Network        string    `json:"network"`
	MilestoneIndex uint32    `json:"milestoneIndex"`
	MilestoneID    string    `json:"milestoneId"`
	Timestamp      time.Time `json:"timestamp"`
	Created        int       `json:"created"`
	Consumed       int       `json:"consumed"`
	Analytics      int       `json:"analytics"`
}

// Notifier publishes sync events. A nil *Notifier is valid and does nothing.
type Notifier struct {
	client  *Client
	logger  *zap.Logger
	network string
}

func NewNotifier(client *Client, logger *zap.Logger, network string) *Notifier {
	if client == nil {
		return nil
	}
	return &Notifier{client: client, logger: logger, network: network}
}

// MilestoneSynced publishes the event on the network channel and appends it to
// the network stream. Failures are logged only. A notifier built without a
// network uses the one carried by the event.
func (n *Notifier) MilestoneSynced(ctx context.Context, event MilestoneSyncedEvent) {
	if n == nil {
		return
	}
	if n.network != "" {
		event.Network = n.network
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("Failed to encode milestone.synced event", zap.Error(err))
		return
	}

	channel := GetChannel(event.Network, EventMilestoneSynced)
	fields := map[string]any{
		"index":   event.MilestoneIndex,
		"payload": string(payload),
	}
	if err := n.client.Announce(ctx, channel, GetMilestoneStream(event.Network), payload, fields); err != nil {
		n.logger.Warn("Failed to publish milestone.synced event",
			zap.Uint32("milestone", event.MilestoneIndex),
			zap.Error(err))
		return
	}

	n.logger.Debug("Published milestone.synced event",
		zap.Uint32("milestone", event.MilestoneIndex),
		zap.String("channel", channel))
}
