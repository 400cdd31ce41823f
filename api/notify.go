package api

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"mindspace-board/domain"
)

// BoardUpdatedChannel is the Redis channel carrying board-updated events.
const BoardUpdatedChannel = "board-updated"

// BoardUpdated is published after changes of a workspace were persisted.
type BoardUpdated struct {
	WorkspaceID string   `json:"workspaceId"`
	UserID      string   `json:"userId"`
	ChangeIDs   []string `json:"changeIds"`
	At          int64    `json:"at"`
}

// RedisNotifier publishes BoardUpdated events on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier publishes on channel, BoardUpdatedChannel when empty.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = BoardUpdatedChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, sess domain.Session, changes []domain.Change) error {
	ids := make([]string, len(changes))
	for i, ch := range changes {
		ids[i] = ch.ID
	}
	payload, err := sonic.Marshal(BoardUpdated{
		WorkspaceID: sess.WorkspaceID,
		UserID:      sess.UserID,
		ChangeIDs:   ids,
		At:          time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}
