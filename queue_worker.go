package replicator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	redlock "github.com/storesync/replicator/internal/lock"
	"github.com/storesync/replicator/model"
)

// DrainNode processes one batch for a node while holding the node's drain
// lease, so two processes never deliver to the same endpoint at once. A held
// lease is not an error: the batch is simply skipped.
func (r *Replicator) DrainNode(ctx context.Context, nodeID int64) (*model.QueueBatchResult, error) {
	run := func(ctx context.Context) (*model.QueueBatchResult, error) {
		return r.ProcessBatch(ctx, &nodeID, r.config.Queue.BatchSize)
	}
	if r.redis == nil {
		return run(ctx)
	}

	locker := redlock.NewLocker(r.redis, redlock.NodeLockKey("queue-drain", nodeID), uuid.NewString())
	timeout := time.Duration(r.config.Queue.NodeLockTimeoutSeconds) * time.Second
	var result *model.QueueBatchResult
	err := locker.WithLock(ctx, timeout, func(ctx context.Context) error {
		var err error
		result, err = run(ctx)
		return err
	})
	if errors.Is(err, redlock.ErrLockHeld) {
		logrus.WithField("node_id", nodeID).Debug("queue drain already running elsewhere")
		return &model.QueueBatchResult{Outcomes: []model.QueueItemOutcome{}}, nil
	}
	return result, err
}

// DrainAll requeues abandoned items and then drains every registered node.
func (r *Replicator) DrainAll(ctx context.Context) (*model.QueueBatchResult, error) {
	if _, err := r.RequeueStale(ctx, 0); err != nil {
		logrus.Errorf("failed to requeue stale items: %v", err)
	}
	nodes, err := r.datasource.ListNodes(ctx, "")
	if err != nil {
		return nil, err
	}
	total := &model.QueueBatchResult{Outcomes: []model.QueueItemOutcome{}}
	for _, node := range nodes {
		if ctx.Err() != nil {
			break
		}
		result, err := r.DrainNode(ctx, node.ID)
		if err != nil {
			logrus.WithField("node_id", node.ID).Errorf("queue drain failed: %v", err)
			continue
		}
		total.Claimed += result.Claimed
		total.Completed += result.Completed
		total.Retried += result.Retried
		total.Failed += result.Failed
		total.Conflicts += result.Conflicts
		total.Outcomes = append(total.Outcomes, result.Outcomes...)
	}
	return total, nil
}

// QueueDrainer runs DrainAll on a fixed interval inside a long-running process.
type QueueDrainer struct {
	replicator   *Replicator
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewQueueDrainer(r *Replicator) *QueueDrainer {
	interval := time.Duration(r.config.Queue.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &QueueDrainer{
		replicator:   r,
		pollInterval: interval,
		stopCh:       make(chan struct{}),
	}
}

func (p *QueueDrainer) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Queue drainer started")
}

func (p *QueueDrainer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Queue drainer stopped")
}

func (p *QueueDrainer) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *QueueDrainer) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Queue drainer context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Queue drainer stop signal received")
			return
		case <-ticker.C:
			if _, err := p.replicator.DrainAll(ctx); err != nil {
				logrus.Errorf("queue drain pass failed: %v", err)
			}
		}
	}
}
