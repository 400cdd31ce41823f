package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"mindspace-board/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, sess domain.Session, listID string) ([]domain.Task, error)
	FetchGroups(ctx context.Context, sess domain.Session, listID string) ([]domain.Group, error)
	FetchLists(ctx context.Context, sess domain.Session) ([]domain.TodoList, error)
	FetchSettings(ctx context.Context, userID string) (domain.Settings, error)
	EnqueueChanges(ctx context.Context, sess domain.Session, changes []domain.Change) error
}

// Cache wraps a Storage instance with Redis-backed caching for read operations.
// Entries of a workspace are tracked in an index set so a write can evict all
// of them at once.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchTasks(ctx context.Context, sess domain.Session, listID string) ([]domain.Task, error) {
	key := tasksCacheKey(sess.WorkspaceID, listID)
	var tasks []domain.Task
	if c.load(ctx, key, &tasks) {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, sess, listID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, sess.WorkspaceID, key, tasks)
	return tasks, nil
}

func (c *Cache) FetchGroups(ctx context.Context, sess domain.Session, listID string) ([]domain.Group, error) {
	key := groupsCacheKey(sess.WorkspaceID, listID)
	var groups []domain.Group
	if c.load(ctx, key, &groups) {
		return groups, nil
	}

	groups, err := c.base.FetchGroups(ctx, sess, listID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, sess.WorkspaceID, key, groups)
	return groups, nil
}

func (c *Cache) FetchLists(ctx context.Context, sess domain.Session) ([]domain.TodoList, error) {
	key := listsCacheKey(sess.WorkspaceID)
	var lists []domain.TodoList
	if c.load(ctx, key, &lists) {
		return lists, nil
	}

	lists, err := c.base.FetchLists(ctx, sess)
	if err != nil {
		return nil, err
	}

	c.store(ctx, sess.WorkspaceID, key, lists)
	return lists, nil
}

func (c *Cache) FetchSettings(ctx context.Context, userID string) (domain.Settings, error) {
	key := settingsCacheKey(userID)
	var settings domain.Settings
	if c.load(ctx, key, &settings) {
		return settings, nil
	}

	settings, err := c.base.FetchSettings(ctx, userID)
	if err != nil {
		return domain.Settings{}, err
	}

	c.store(ctx, "", key, settings)
	return settings, nil
}

// EnqueueChanges forwards to the backing store and evicts the workspace's
// cached reads once the changes were accepted.
func (c *Cache) EnqueueChanges(ctx context.Context, sess domain.Session, changes []domain.Change) error {
	if err := c.base.EnqueueChanges(ctx, sess, changes); err != nil {
		return err
	}

	c.Invalidate(ctx, sess.WorkspaceID)
	return nil
}

func (c *Cache) load(ctx context.Context, key string, v any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, workspaceID, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, key, data, c.ttl)
	if workspaceID != "" {
		idx := indexCacheKey(workspaceID)
		pipe.SAdd(ctx, idx, key)
		pipe.Expire(ctx, idx, c.ttl)
	}
	_, _ = pipe.Exec(ctx)
}

// Invalidate drops every cached read of the workspace.
func (c *Cache) Invalidate(ctx context.Context, workspaceID string) {
	if c.redis == nil {
		return
	}
	idx := indexCacheKey(workspaceID)
	keys, err := c.redis.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}
	_, _ = c.redis.Del(ctx, append(keys, idx)...).Result()
}

func tasksCacheKey(workspaceID, listID string) string {
	return "tasks:" + workspaceID + ":" + listID
}

func groupsCacheKey(workspaceID, listID string) string {
	return "groups:" + workspaceID + ":" + listID
}

func listsCacheKey(workspaceID string) string {
	return "lists:" + workspaceID
}

func indexCacheKey(workspaceID string) string {
	return "cachekeys:" + workspaceID
}

func settingsCacheKey(userID string) string {
	return "settings:" + userID
}
