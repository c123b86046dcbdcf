package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote"

	"golang.org/x/sync/errgroup"
)

// ErrNoSeeds is returned by Acquire when no starting individual is given.
var ErrNoSeeds = errors.New("graph: no seed individuals")

// Stage names the phase an acquisition is in.
type Stage string

const (
	StageSeeds       Stage = "seeds"
	StageAncestors   Stage = "ancestors"
	StageDescendants Stage = "descendants"
	StageSpouses     Stage = "spouses"
	StageDetails     Stage = "details"
	StageDone        Stage = "done"
)

// Progress is reported after every step of an acquisition. Generation is
// the 1-based generation of the ancestor and descendant stages.
type Progress struct {
	Stage      Stage `json:"stage"`
	Generation int   `json:"generation,omitempty"`
	Stats
}

// AcquireParams configures one acquisition run.
type AcquireParams struct {
	Seeds        []string
	Ascend       int
	Descend      int
	Spouses      bool
	Ordinances   bool
	Contributors bool
	Submitter    Submitter
	Progress     func(Progress)
}

// Acquire pulls the record graph around the seeds from client. Ancestors
// are expanded for Ascend generations, then descendants of everyone known
// for Descend generations, then spouses in a single pass, and finally the
// notes, ordinances and contributors of all entities.
//
// The returned tree is resolved and ready to encode even when an error
// ends the run early; it then holds everything acquired so far.
func (g *GraphClient) Acquire(ctx context.Context, client remote.Client, params AcquireParams) (*Tree, error) {
	tree := g.NewTree(client)
	tree.Submitter = params.Submitter
	if len(params.Seeds) == 0 {
		return tree, ErrNoSeeds
	}

	start := time.Now()
	err := g.acquire(ctx, tree, params)
	tree.ResolveNumericRefs()

	stats := tree.Stats()
	tree.report(params.Progress, StageDone, 0)
	logger.Info("[Graph] Acquisition finished",
		"individuals", stats.Individuals,
		"families", stats.Families,
		"sources", stats.Sources,
		"notes", stats.Notes,
		"duration", time.Since(start).Round(time.Second),
	)
	if err != nil {
		return tree, fmt.Errorf("acquisition stopped early: %w", err)
	}
	return tree, nil
}

func (g *GraphClient) acquire(ctx context.Context, tree *Tree, params AcquireParams) error {
	logger.Info("[Graph] Downloading starting individuals", "seeds", len(params.Seeds))
	if err := tree.AddIndividuals(ctx, params.Seeds); err != nil {
		return err
	}
	tree.report(params.Progress, StageSeeds, 0)

	todo := make(map[string]struct{}, len(params.Seeds))
	for _, id := range params.Seeds {
		todo[id] = struct{}{}
	}
	done := make(map[string]struct{})
	for i := 1; i <= params.Ascend && len(todo) > 0; i++ {
		markDone(done, todo)
		logger.Info("[Graph] Downloading ancestors", "generation", i, "frontier", len(todo))
		parents, err := tree.AddParents(ctx, todo)
		if err != nil {
			return err
		}
		todo = subtract(parents, done)
		tree.report(params.Progress, StageAncestors, i)
	}

	todo = tree.individualIDs()
	done = make(map[string]struct{})
	for i := 1; i <= params.Descend && len(todo) > 0; i++ {
		markDone(done, todo)
		logger.Info("[Graph] Downloading descendants", "generation", i, "frontier", len(todo))
		children, err := tree.AddChildren(ctx, todo)
		if err != nil {
			return err
		}
		todo = subtract(children, done)
		tree.report(params.Progress, StageDescendants, i)
	}

	if params.Spouses {
		logger.Info("[Graph] Downloading spouses and marriage information")
		if err := tree.AddSpouses(ctx, tree.individualIDs()); err != nil {
			return err
		}
		tree.report(params.Progress, StageSpouses, 0)
	}

	logger.Info("[Graph] Downloading details",
		"ordinances", params.Ordinances,
		"contributors", params.Contributors,
	)
	if err := g.addDetails(ctx, tree, params); err != nil {
		return err
	}
	tree.report(params.Progress, StageDetails, 0)
	return nil
}

// addDetails fans out the notes, ordinance and contributor requests of all
// individuals and families and waits for all of them.
func (g *GraphClient) addDetails(ctx context.Context, tree *Tree, params AcquireParams) error {
	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallelRequests)

	for _, indi := range tree.Individuals() {
		fid := indi.FID
		eg.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				return tree.AddNotes(gCtx, fid)
			}
		})
		if params.Ordinances {
			eg.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				default:
					return tree.addOrdinancesOnce(gCtx, fid)
				}
			})
		}
		if params.Contributors {
			eg.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				default:
					return tree.AddContributors(gCtx, fid)
				}
			})
		}
	}
	for _, fam := range tree.Families() {
		eg.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				return tree.AddFamilyNotes(gCtx, fam)
			}
		})
		if params.Contributors {
			eg.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				default:
					return tree.AddFamilyContributors(gCtx, fam)
				}
			})
		}
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// addOrdinancesOnce fetches ordinances until the data source refuses
// access, then stops asking for the rest of the run.
func (t *Tree) addOrdinancesOnce(ctx context.Context, fid string) error {
	if t.ordinancesDisabled.Load() {
		return nil
	}
	err := t.AddOrdinances(ctx, fid)
	if errors.Is(err, remote.ErrForbidden) {
		if t.ordinancesDisabled.CompareAndSwap(false, true) {
			logger.Warn("[Graph] Ordinance access denied, skipping ordinances for this run")
		}
		return nil
	}
	return err
}

// OrdinancesDisabled reports whether ordinance acquisition was switched off
// after the data source refused access.
func (t *Tree) OrdinancesDisabled() bool {
	return t.ordinancesDisabled.Load()
}

func (t *Tree) individualIDs() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make(map[string]struct{}, len(t.individuals))
	for fid := range t.individuals {
		ids[fid] = struct{}{}
	}
	return ids
}

func (t *Tree) report(fn func(Progress), stage Stage, generation int) {
	if fn == nil {
		return
	}
	fn(Progress{Stage: stage, Generation: generation, Stats: t.Stats()})
}

func markDone(done, ids map[string]struct{}) {
	for id := range ids {
		done[id] = struct{}{}
	}
}

func subtract(ids, done map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for id := range ids {
		if _, ok := done[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}
