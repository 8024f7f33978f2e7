package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamDispatcher publishes payloads to a Redis stream consumed by the
// delivery workers' consumer group.
type StreamDispatcher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamDispatcher(client *redis.Client, stream string) *StreamDispatcher {
	return &StreamDispatcher{client: client, stream: stream, maxLen: 100000}
}

func (d *StreamDispatcher) Dispatch(ctx context.Context, p Payload) error {
	vars, err := json.Marshal(p.Variables)
	if err != nil {
		return fmt.Errorf("notify: marshal variables: %w", err)
	}
	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		MaxLen: d.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"recipient_user_id": p.RecipientUserID,
			"template_key":      p.TemplateKey,
			"variables":         string(vars),
			"timestamp":         time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("notify: xadd %s: %w", d.stream, err)
	}
	return nil
}
