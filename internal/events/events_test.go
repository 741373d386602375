package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"StableTool/internal/config"
	"StableTool/pkg/logger"
)

type fakeStream struct {
	args   []*redis.XAddArgs
	err    error
	closed bool
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func TestNewAssignsIdentity(t *testing.T) {
	a := New(TransactionRecorded, nil)
	b := New(TransactionRecorded, nil)
	require.NotEqual(t, a.ID, b.ID)
	require.NotNil(t, a.Payload)
	require.False(t, a.OccurredAt.IsZero())
}

func TestMemoryPublisherFiltersByType(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, New(ToolApproved, map[string]any{"tool_id": 1})))
	require.NoError(t, p.Publish(ctx, New(ToolRejected, map[string]any{"tool_id": 2})))

	require.Len(t, p.Events(), 2)
	approved := p.OfType(ToolApproved)
	require.Len(t, approved, 1)
	require.Equal(t, 1, approved[0].Payload["tool_id"])
}

func TestRedisPublisherAppendsToStream(t *testing.T) {
	client := &fakeStream{}
	p := newRedisPublisher(client, RedisConfig{})

	event := New(ConversationRecorded, map[string]any{"conversation_id": 9})
	require.NoError(t, p.Publish(context.Background(), event))

	require.Len(t, client.args, 1)
	args := client.args[0]
	require.Equal(t, "stabletool:events", args.Stream)
	require.Equal(t, int64(100000), args.MaxLen)
	require.True(t, args.Approx)

	values := args.Values.(map[string]any)
	require.Equal(t, event.ID, values["id"])
	require.Equal(t, "conversation.recorded", values["type"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	require.Equal(t, event.ID, decoded.ID)

	require.NoError(t, p.Close())
	require.True(t, client.closed)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	client := &fakeStream{err: errors.New("connection refused")}
	p := newRedisPublisher(client, RedisConfig{Stream: "custom"})

	require.NotPanics(t, func() {
		Emit(context.Background(), p, logger.Discard(), New(ToolApproved, nil))
	})
	require.Equal(t, "custom", client.args[0].Stream)

	Emit(context.Background(), nil, nil, New(ToolApproved, nil))
}

func TestOpenSelectsDriver(t *testing.T) {
	p, err := Open(context.Background(), config.EventsConfig{Driver: "none"})
	require.NoError(t, err)
	require.IsType(t, Nop{}, p)

	p, err = Open(context.Background(), config.EventsConfig{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &MemoryPublisher{}, p)

	_, err = Open(context.Background(), config.EventsConfig{Driver: "kafka"})
	require.Error(t, err)

	_, err = Open(context.Background(), config.EventsConfig{Driver: "redis"})
	require.Error(t, err)
}
