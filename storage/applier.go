package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"mindspace-board/domain"
)

const (
	defaultApplierIdle  = time.Second
	defaultMaxDequeues  = 5
	applierErrorBackoff = time.Second
)

// changeSource is the queue the applier drains.
type changeSource interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

type changeTarget interface {
	ApplyChanges(ctx context.Context, sess domain.Session, changes []domain.Change) error
}

type invalidator interface {
	Invalidate(ctx context.Context, workspaceID string)
}

type queueSource struct {
	queue *azqueue.QueueClient
}

func (s queueSource) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

func (s queueSource) Delete(ctx context.Context, id, receipt string) error {
	_, err := s.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// Applier writes queued change envelopes into the tables. A message that
// cannot be decoded, or keeps failing for MaxDequeues attempts, is dropped.
type Applier struct {
	source      changeSource
	target      changeTarget
	cache       invalidator
	logger      *log.Logger
	Idle        time.Duration
	MaxDequeues int64
}

// NewApplier drains names.ChangeQueue into target. cache may be nil.
func NewApplier(connStr string, names Names, target *Storage, cache *Cache, logger *log.Logger) (*Applier, error) {
	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, names.ChangeQueue, nil)
	if err != nil {
		return nil, err
	}
	a := newApplier(queueSource{queue: queue}, target, logger)
	if cache != nil {
		a.cache = cache
	}
	return a, nil
}

func newApplier(source changeSource, target changeTarget, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Applier{
		source:      source,
		target:      target,
		logger:      logger,
		Idle:        defaultApplierIdle,
		MaxDequeues: defaultMaxDequeues,
	}
}

// Run processes messages until ctx is done.
func (a *Applier) Run(ctx context.Context) error {
	a.logger.Info("change applier started")
	for {
		processed, err := a.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := time.Duration(0)
		switch {
		case err != nil:
			a.logger.WithError(err).Error("change applier")
			wait = applierErrorBackoff
		case !processed:
			wait = a.Idle
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// ProcessOne handles at most one message. It reports false when the queue
// was empty.
func (a *Applier) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := a.source.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return false, nil
	}

	var env domain.ChangeEnvelope
	if msg.MessageText == nil || sonic.UnmarshalString(*msg.MessageText, &env) != nil {
		a.logger.WithField("message", *msg.MessageID).Warn("dropping undecodable change message")
		return true, a.source.Delete(ctx, *msg.MessageID, *msg.PopReceipt)
	}

	sess := domain.Session{WorkspaceID: env.WorkspaceID, UserID: env.UserID}
	if err := a.target.ApplyChanges(ctx, sess, []domain.Change{env.Change}); err != nil {
		var dequeues int64
		if msg.DequeueCount != nil {
			dequeues = *msg.DequeueCount
		}
		entry := a.logger.WithError(err).WithFields(log.Fields{
			"change":    env.Change.ID,
			"workspace": env.WorkspaceID,
			"dequeues":  dequeues,
		})
		if a.MaxDequeues > 0 && dequeues >= a.MaxDequeues {
			entry.Error("dropping change after repeated failures")
			return true, a.source.Delete(ctx, *msg.MessageID, *msg.PopReceipt)
		}
		// The message becomes visible again after its visibility timeout.
		entry.Warn("change apply failed")
		return true, nil
	}

	if a.cache != nil {
		a.cache.Invalidate(ctx, env.WorkspaceID)
	}
	if err := a.source.Delete(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
		return true, fmt.Errorf("delete applied message: %w", err)
	}
	a.logger.WithFields(log.Fields{
		"change":    env.Change.ID,
		"op":        env.Change.Op,
		"workspace": env.WorkspaceID,
	}).Debug("change applied")
	return true, nil
}
