/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package train

import (
	"context"
	"fmt"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/queue"
	"github.com/clarketm/mergequeue/rules"
)

// splitFailedBatches localizes blame in a failed batch by bisecting it.
func (t *Train) splitFailedBatches(ctx context.Context, deps *Dependencies, qrules rules.QueueRules) {
	if len(t.Cars) == 1 {
		car := t.Cars[0]
		rule := qrules[car.queueRuleName()]
		if car.ChecksConclusion == rules.ConclusionFailure && rule != nil && rule.BatchSize == 1 {
			// Terminal single-pull failure: nothing to bisect, just wake the
			// checked pull so its final state gets rendered and acted on.
			if n, ok := car.checkedPullNumber(); ok {
				_ = deps.emitRefresh(ctx, t.Owner, t.Repo, n, ActionInternal, "terminal single-pull failure")
			}
			return
		}
	}

	for i, car := range t.Cars {
		if car.ChecksConclusion != rules.ConclusionFailure || !hasPreviousCarsSucceeded(t.Cars, i) {
			continue
		}
		if len(car.InitialEmbarkedPulls) > 1 {
			t.splitCarAt(ctx, deps, qrules, i)
			return
		}
		if i == 0 && car.CreationState == CarPending {
			// A residual car from an earlier split reached the head with its
			// inherited failure: every pull ahead of it merged, so the blame
			// is fully localized. Wake its pulls so they get dequeued.
			for _, p := range car.StillQueuedEmbarkedPulls {
				_ = deps.emitRefresh(ctx, t.Owner, t.Repo, p.PullRequestNumber, ActionInternal, "batch failure isolated")
			}
			return
		}
	}

	// With one speculative check, split parts after the first are held
	// pending until the car ahead of them resolves; hand the head one off
	// here. Parts whose start was postponed earlier are retried the same
	// way.
	for i, car := range t.Cars {
		if len(car.FailureHistory) == 0 || car.CreationState != CarPending || car.ChecksConclusion != rules.ConclusionPending {
			continue
		}
		rule := qrules[car.queueRuleName()]
		if rule == nil {
			continue
		}
		if i == 0 || rule.SpeculativeChecks > 1 {
			t.startSplitCar(ctx, deps, rule, i, car)
		}
	}
}

// startSplitCar starts one bisected part, downgrading a terminal creation
// error into the failed state the same way populateCars does. A postponed
// start leaves the car pending for the next refresh to retry.
func (t *Train) startSplitCar(ctx context.Context, deps *Dependencies, rule *rules.QueueRule, idx int, car *Car) {
	err := car.startChecking(ctx, t.ctx(), idx, rule, deps)
	if err == nil {
		return
	}
	var failed *creationFailed
	if asFailed(err, &failed) {
		car.setCreationFailure(ctx, t.ctx(), failed.Error(), deps)
	}
}

// splitCarAt bisects the failed car at index i, inserting the resulting
// groups in its place and re-appending the last embarked pull as a
// residual car. The residual inherits the failed batch's conclusion rather
// than being re-checked: the bisected groups cover everything under it, so
// if they all pass the residual pull is the guilty one, and if one fails
// the residual is torn down with the cars behind it anyway.
func (t *Train) splitCarAt(ctx context.Context, deps *Dependencies, qrules rules.QueueRules, i int) {
	car := t.Cars[i]
	rule := qrules[car.queueRuleName()]
	if rule == nil {
		return
	}

	reason := fmt.Sprintf("batch %s failed and is being split to find the guilty pull request", describeNumbers(initialNumbers(car)))
	observe(deps.Observer, func(o Observer) { o.CarSplit(t.Repo, car.queueRuleName()) })
	t.slice(ctx, deps, i+1, reason)
	t.Cars = t.Cars[:i]
	// The failed batch keeps living on only as history; its own synthetic
	// artifacts go away now.
	_ = car.deletePull(ctx, t.ctx(), reason, deps)

	pulls := car.InitialEmbarkedPulls
	if len(pulls) == 0 {
		return
	}
	bisectable := pulls[:len(pulls)-1]
	residualPull := pulls[len(pulls)-1]

	parts := rule.SpeculativeChecks
	if parts < 2 {
		parts = 2
	}
	groups := splitList(bisectable, parts)

	history := append(append([]*Car{}, car.FailureHistory...), car)
	parents := append([]githubtypes.PullRequestNumber{}, car.ParentPullRequestNumbers...)

	var newCars []*Car
	for _, g := range groups {
		nc := newCar(g, append([]githubtypes.PullRequestNumber{}, parents...), car.InitialBaseSHA, car.CreationDate, history)
		newCars = append(newCars, nc)
		parents = append(parents, pullNumbers(g)...)
	}
	residual := newCar([]queue.EmbarkedPull{residualPull}, append([]githubtypes.PullRequestNumber{}, parents...), car.InitialBaseSHA, car.CreationDate, nil)
	residual.ChecksConclusion = car.ChecksConclusion
	residual.LastChecks = car.LastChecks
	residual.LastEvaluatedConditions = car.LastEvaluatedConditions
	residual.HasTimedOut = car.HasTimedOut

	startBase := len(t.Cars)
	t.Cars = append(t.Cars, newCars...)
	t.Cars = append(t.Cars, residual)

	if rule.SpeculativeChecks > 1 {
		for gi, nc := range newCars {
			t.startSplitCar(ctx, deps, rule, startBase+gi, nc)
		}
	} else if len(newCars) > 0 {
		t.startSplitCar(ctx, deps, rule, startBase, newCars[0])
	}
}

func pullNumbers(pulls []queue.EmbarkedPull) []githubtypes.PullRequestNumber {
	out := make([]githubtypes.PullRequestNumber, len(pulls))
	for i, p := range pulls {
		out[i] = p.PullRequestNumber
	}
	return out
}

// splitList splits xs into parts contiguous sublists whose sizes differ by
// at most 1; empty trailing partitions are skipped when parts exceeds
// len(xs).
func splitList(xs []queue.EmbarkedPull, parts int) [][]queue.EmbarkedPull {
	if parts < 1 {
		parts = 1
	}
	n := len(xs)
	base := n / parts
	rem := n % parts

	var out [][]queue.EmbarkedPull
	idx := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		out = append(out, xs[idx:idx+size])
		idx += size
	}
	return out
}
