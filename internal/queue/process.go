package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	"github.com/OFFIS-RIT/kinfetch/internal/storage"
	"github.com/OFFIS-RIT/kinfetch/internal/util"
	"github.com/OFFIS-RIT/kinfetch/pkg/gedcom"
	"github.com/OFFIS-RIT/kinfetch/pkg/graph"
	"github.com/OFFIS-RIT/kinfetch/pkg/leaselock"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"
)

const (
	uploadAttempts       = 3
	partialExportTimeout = 30 * time.Second
)

type RunStore interface {
	Start(ctx context.Context, id string) error
	Progress(ctx context.Context, id string, p graph.Progress, requests int64) error
	Complete(ctx context.Context, id, exportKey string, stats graph.Stats, requests int64) error
	Partial(ctx context.Context, id, exportKey string, stats graph.Stats, requests int64) error
	Fail(ctx context.Context, id string, cause error) error
}

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

type Leaser interface {
	WithLease(ctx context.Context, account string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

type EventPublisher interface {
	Event(ctx context.Context, topic string, msg any) error
}

// Session is a logged-in data source account.
type Session interface {
	remote.Client
	Login(ctx context.Context) error
	User() remote.User
	CheckOrdinanceAccess(ctx context.Context) error
	Requests() int64
}

// Processor runs the jobs of the worker. Acquisitions share one Session and
// hold the account lease for their whole duration.
type Processor struct {
	runs     RunStore
	objects  ObjectStore
	leases   Leaser
	events   EventPublisher
	graph    *graph.GraphClient
	session  Session
	account  string
	leaseTTL time.Duration
}

type NewProcessorParams struct {
	Runs     RunStore
	Objects  ObjectStore
	Leases   Leaser
	Events   EventPublisher
	Graph    *graph.GraphClient
	Session  Session
	Account  string
	LeaseTTL time.Duration
}

func NewProcessor(params NewProcessorParams) *Processor {
	return &Processor{
		runs:     params.Runs,
		objects:  params.Objects,
		leases:   params.Leases,
		events:   params.Events,
		graph:    params.Graph,
		session:  params.Session,
		account:  params.Account,
		leaseTTL: params.LeaseTTL,
	}
}

// ProcessAcquireMessage downloads the tree described by an AcquireMsg and
// stores it as the run's export.
func (p *Processor) ProcessAcquireMessage(ctx context.Context, body []byte) (err error) {
	var msg AcquireMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return Permanent(fmt.Errorf("invalid acquire message: %w", err))
	}
	started, err := p.start(ctx, msg.RunID)
	if err != nil || !started {
		return err
	}
	defer p.finish(ctx, msg.RunID, runs.KindAcquire, &err)

	return p.leases.WithLease(ctx, p.account, leaselock.Options{
		TTL:    p.leaseTTL,
		Wait:   true,
		Holder: msg.RunID,
	}, func(ctx context.Context) error {
		return p.acquire(ctx, msg)
	})
}

func (p *Processor) acquire(ctx context.Context, msg AcquireMsg) error {
	if err := p.session.Login(ctx); err != nil {
		if errors.Is(err, remote.ErrAuthRejected) {
			return Permanent(err)
		}
		return err
	}
	user := p.session.User()

	seeds := msg.Seeds
	if len(seeds) == 0 && user.PersonID != "" {
		seeds = []string{user.PersonID}
	}
	for _, id := range seeds {
		if !remote.ValidPersonID(id) {
			return Permanent(fmt.Errorf("invalid person id %q", id))
		}
	}
	if msg.Ordinances {
		if err := p.session.CheckOrdinanceAccess(ctx); err != nil {
			if errors.Is(err, remote.ErrForbidden) {
				return Permanent(fmt.Errorf("ordinances requested but not accessible: %w", err))
			}
			return err
		}
	}

	first := p.session.Requests()
	requests := func() int64 { return p.session.Requests() - first }
	tree, err := p.graph.Acquire(ctx, p.session, graph.AcquireParams{
		Seeds:        seeds,
		Ascend:       msg.Ascend,
		Descend:      msg.Descend,
		Spouses:      msg.Spouses,
		Ordinances:   msg.Ordinances,
		Contributors: msg.Contributors,
		Submitter:    graph.Submitter{Name: user.DisplayName, Lang: user.LanguageName()},
		Progress: func(pr graph.Progress) {
			if err := p.runs.Progress(ctx, msg.RunID, pr, requests()); err != nil {
				logger.Warn("[Queue] Failed to record progress", "run_id", msg.RunID, "err", err)
			}
		},
	})
	if errors.Is(err, graph.ErrNoSeeds) {
		return Permanent(err)
	}
	if err != nil {
		if tree != nil && tree.Stats().Individuals > 0 {
			p.exportPartial(ctx, msg.RunID, tree, requests())
		}
		return err
	}
	logger.Info("[Queue] Acquisition downloaded", "run_id", msg.RunID, "requests", requests())
	return p.export(ctx, msg.RunID, tree, requests())
}

// ProcessMergeMessage merges the GEDCOM inputs of a MergeMsg in order and
// stores the result as the run's export.
func (p *Processor) ProcessMergeMessage(ctx context.Context, body []byte) (err error) {
	var msg MergeMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return Permanent(fmt.Errorf("invalid merge message: %w", err))
	}
	started, err := p.start(ctx, msg.RunID)
	if err != nil || !started {
		return err
	}
	defer p.finish(ctx, msg.RunID, runs.KindMerge, &err)

	if len(msg.Inputs) == 0 {
		return Permanent(errors.New("merge without inputs"))
	}
	trees := make([]*graph.Tree, 0, len(msg.Inputs))
	for _, key := range msg.Inputs {
		data, err := p.objects.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return Permanent(err)
		}
		if err != nil {
			return err
		}
		tree, err := gedcom.Unmarshal(bytes.NewReader(data))
		if err != nil {
			return Permanent(fmt.Errorf("%s: %w", key, err))
		}
		trees = append(trees, tree)
	}

	merged := graph.MergeWithPolicy(msg.MergePolicy(), trees...)
	if err := p.export(ctx, msg.RunID, merged, 0); err != nil {
		return err
	}
	if err := p.objects.DeletePrefix(ctx, storage.UploadPrefix(msg.RunID)); err != nil {
		logger.Warn("[Queue] Failed to delete merge uploads", "run_id", msg.RunID, "err", err)
	}
	return nil
}

// start marks the run as running. A run that no longer exists or has
// already completed is skipped.
func (p *Processor) start(ctx context.Context, runID string) (bool, error) {
	if runID == "" {
		return false, Permanent(errors.New("message without run id"))
	}
	err := p.runs.Start(ctx, runID)
	if errors.Is(err, runs.ErrNotFound) {
		logger.Warn("[Queue] Skipping message of unknown or finished run", "run_id", runID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processor) export(ctx context.Context, runID string, tree *graph.Tree, requests int64) error {
	key, err := p.store(ctx, runID, tree)
	if err != nil {
		return err
	}
	return p.runs.Complete(ctx, runID, key, tree.Stats(), requests)
}

// exportPartial stores what a failed acquisition downloaded so far. The
// acquisition context may already be done, so it works on its own deadline.
func (p *Processor) exportPartial(ctx context.Context, runID string, tree *graph.Tree, requests int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), partialExportTimeout)
	defer cancel()

	key, err := p.store(ctx, runID, tree)
	if err != nil {
		logger.Warn("[Queue] Failed to store partial export", "run_id", runID, "err", err)
		return
	}
	stats := tree.Stats()
	if err := p.runs.Partial(ctx, runID, key, stats, requests); err != nil {
		logger.Warn("[Queue] Failed to record partial export", "run_id", runID, "err", err)
		return
	}
	logger.Info("[Queue] Stored partial export", "run_id", runID, "individuals", stats.Individuals)
}

// store encodes tree and uploads it as the export of runID.
func (p *Processor) store(ctx context.Context, runID string, tree *graph.Tree) (string, error) {
	var buf bytes.Buffer
	if err := gedcom.Marshal(&buf, tree); err != nil {
		return "", fmt.Errorf("failed to encode gedcom: %w", err)
	}
	key := storage.ExportKey(runID)
	err := util.RetryErrWithContext(ctx, uploadAttempts, func(ctx context.Context) error {
		return p.objects.Put(ctx, key, buf.Bytes())
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}
	return key, nil
}

// finish records a failure of the run and broadcasts its outcome.
func (p *Processor) finish(ctx context.Context, runID string, kind runs.Kind, errp *error) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	event := RunEvent{RunID: runID, Kind: string(kind), Status: string(runs.StatusCompleted)}
	if err := *errp; err != nil {
		event.Status = string(runs.StatusFailed)
		event.Error = err.Error()
		if updateErr := p.runs.Fail(updateCtx, runID, err); updateErr != nil {
			logger.Warn("[Queue] Failed to mark run as failed", "run_id", runID, "err", updateErr)
		}
	}
	if p.events == nil {
		return
	}
	if err := p.events.Event(updateCtx, "run."+event.Status, event); err != nil {
		logger.Warn("[Queue] Failed to publish run event", "run_id", runID, "err", err)
	}
}
