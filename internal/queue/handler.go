package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
)

type StaleRuns interface {
	Stale(ctx context.Context, before time.Time) ([]*runs.Run, error)
}

type RawPublisher interface {
	PublishRaw(ctx context.Context, queueName string, body []byte) error
}

// QueueFor returns the job queue of a run kind.
func QueueFor(kind runs.Kind) (string, bool) {
	switch kind {
	case runs.KindAcquire:
		return AcquireQueue, true
	case runs.KindMerge:
		return MergeQueue, true
	}
	return "", false
}

// RecoverStaleRuns republishes the job message of every running run that
// has not reported progress for olderThan. The stored run params are the
// original message.
func RecoverStaleRuns(ctx context.Context, store StaleRuns, pub RawPublisher, olderThan time.Duration) error {
	stale, err := store.Stale(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("failed to get stale runs: %w", err)
	}
	if len(stale) == 0 {
		logger.Debug("[Queue] No stale runs found")
		return nil
	}

	logger.Info("[Queue] Found stale runs", "count", len(stale))
	for _, run := range stale {
		queueName, ok := QueueFor(run.Kind)
		if !ok {
			logger.Warn("[Queue] Stale run of unknown kind, skipping", "run_id", run.ID, "kind", run.Kind)
			continue
		}
		if err := pub.PublishRaw(ctx, queueName, run.Params); err != nil {
			logger.Error("[Queue] Failed to republish run", "run_id", run.ID, "queue", queueName, "err", err)
			continue
		}
		logger.Info("[Queue] Recovered stale run", "run_id", run.ID, "queue", queueName)
	}
	return nil
}
