package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotifier_SwallowsDispatchErrors(t *testing.T) {
	rec := &Recorder{Err: errors.New("smtp down")}
	n := NewNotifier(rec, zap.NewNop())

	n.Send(context.Background(), Payload{RecipientUserID: "u1", TemplateKey: TemplateAccessCode})

	require.Empty(t, rec.Payloads())
}

func TestNotifier_NilIsSafe(t *testing.T) {
	var n *Notifier
	n.Send(context.Background(), Payload{RecipientUserID: "u1", TemplateKey: TemplateAccessCode})
}

func TestStreamDispatcher_PublishesFields(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := NewStreamDispatcher(client, "notifications")
	err := d.Dispatch(context.Background(), Payload{
		RecipientUserID: "client-1",
		TemplateKey:     TemplateAccessCode,
		Variables:       map[string]string{"code": "7K2M9Q"},
	})
	require.NoError(t, err)

	msgs, err := client.XRange(context.Background(), "notifications", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "client-1", msgs[0].Values["recipient_user_id"])
	require.Equal(t, TemplateAccessCode, msgs[0].Values["template_key"])

	var vars map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["variables"].(string)), &vars))
	require.Equal(t, "7K2M9Q", vars["code"])
}
