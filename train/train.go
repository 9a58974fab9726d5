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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/queue"
	"github.com/clarketm/mergequeue/rules"
)

// Dependencies bundles the external collaborators a Train needs to drive
// cars through their lifecycle. The train never talks to the network or the
// rule engine directly; every call that may block runs through one of these.
type Dependencies struct {
	Host      HostAPI
	Evaluator rules.QueueRuleEvaluator
	Refresher RefreshSignaler
	Delayed   DelayedScheduler
	Observer  Observer
	Log       *logrus.Entry
}

func (d *Dependencies) emitRefresh(ctx context.Context, owner, repo string, pull githubtypes.PullRequestNumber, action RefreshAction, source string) error {
	if d.Refresher == nil {
		return nil
	}
	return d.Refresher.EmitRefresh(ctx, RefreshSignal{
		Owner: owner, Repo: repo, PullRequestNumber: pull, Action: action, Source: source,
	})
}

// trainContext is the (owner, repo, ref) triple every car-level operation
// needs but that the Car itself doesn't own. Cars never hold a reference
// back to their Train.
type trainContext struct {
	Owner string
	Repo  string
	Ref   githubtypes.RefType
}

// Train is the ordered list of cars followed by waiting pulls for one
// (repo, branch).
type Train struct {
	Owner          string
	Repo           string
	RepoID         int64
	Ref            githubtypes.RefType
	Cars           []*Car
	WaitingPulls   []queue.EmbarkedPull
	CurrentBaseSHA *githubtypes.SHA
}

// New creates an empty train for (owner, repo, ref). Trains are created
// lazily per (repo, branch) on first AddPull; the store package calls this
// when no persisted document exists yet.
func New(owner, repo string, repoID int64, ref githubtypes.RefType) *Train {
	return &Train{Owner: owner, Repo: repo, RepoID: repoID, Ref: ref}
}

// Empty reports whether the train has nothing left to track, the condition
// under which the persistence adapter erases its hash field.
func (t *Train) Empty() bool {
	return len(t.Cars) == 0 && len(t.WaitingPulls) == 0
}

func (t *Train) ctx() trainContext {
	return trainContext{Owner: t.Owner, Repo: t.Repo, Ref: t.Ref}
}

// position locates a pull across the concatenated sequence of still-queued
// embarked pulls followed by the waiting list.
type position struct {
	carIndex          int // -1 means the waiting region
	indexInCar        int
	pull              queue.EmbarkedPull
	effectivePriority int
	interruptible     bool
}

// buildPositions walks the full sequence, tagging each occupied slot with
// whether it may be displaced by a pull admitted under incomingRule.
func (t *Train) buildPositions(incomingRule *rules.QueueRule) []position {
	var out []position
	for ci, car := range t.Cars {
		interruptible := car.ChecksConclusion == rules.ConclusionPending && incomingRule != nil && incomingRule.AllowChecksInterruption
		for pi, p := range car.StillQueuedEmbarkedPulls {
			out = append(out, position{
				carIndex: ci, indexInCar: pi, pull: p,
				effectivePriority: p.Config.EffectivePriority,
				interruptible:     interruptible,
			})
		}
	}
	for wi, p := range t.WaitingPulls {
		out = append(out, position{
			carIndex: -1, indexInCar: wi, pull: p,
			effectivePriority: p.Config.EffectivePriority,
			interruptible:     true,
		})
	}
	return out
}

func (t *Train) findPull(pr githubtypes.PullRequestNumber) (position, bool) {
	for _, p := range t.buildPositions(nil) {
		if p.pull.PullRequestNumber == pr {
			return p, true
		}
	}
	return position{}, false
}

// AddPull admits a PR to the train. siblings are the installation's other
// trains for the same repository, used to evict the PR from any other
// branch's train; callers are responsible for persisting any sibling train
// this call mutates.
func (t *Train) AddPull(ctx context.Context, deps *Dependencies, siblings []*Train, pr githubtypes.PullRequestNumber, config queue.PullQueueConfig, incomingRule *rules.QueueRule, now time.Time) error {
	for _, s := range siblings {
		if s == t || s.Ref == t.Ref {
			continue
		}
		_ = s.RemovePull(ctx, deps, pr, nil)
	}

	if existing, found := t.findPull(pr); found {
		changed := existing.pull.Config.EffectivePriority != config.EffectivePriority || existing.pull.Config.Name != config.Name
		if changed && existing.interruptible {
			if err := t.RemovePull(ctx, deps, pr, nil); err != nil {
				return err
			}
			return t.AddPull(ctx, deps, nil, pr, config, incomingRule, now)
		}
		return nil
	}

	embarked := queue.EmbarkedPull{PullRequestNumber: pr, Config: config, QueuedAt: now}

	best := -1
	positions := t.buildPositions(incomingRule)
	for i, p := range positions {
		if p.interruptible && p.effectivePriority < config.EffectivePriority {
			best = i
			break
		}
	}

	switch {
	case best == -1:
		t.WaitingPulls = append(t.WaitingPulls, embarked)
	case positions[best].carIndex == -1:
		wi := positions[best].indexInCar
		t.WaitingPulls = insertWaiting(t.WaitingPulls, wi, embarked)
	default:
		// Displaced pulls rejoin the front of the waiting list; the new pull
		// goes to the slot it preempted, keeping everything that sat ahead
		// of it ahead of it.
		kept := 0
		for _, p := range positions {
			if p.carIndex >= 0 && p.carIndex < positions[best].carIndex {
				kept++
			}
		}
		reason := fmt.Sprintf("pull request #%d has been embarked with a higher priority", pr)
		t.slice(ctx, deps, positions[best].carIndex, reason)
		t.WaitingPulls = insertWaiting(t.WaitingPulls, best-kept, embarked)
	}

	return t.emitRefreshToAll(ctx, deps, ActionInternal, "pull request added to the queue")
}

// RemovePull removes a PR. mergeCommitSHA is non-nil only when the PR
// merged at the head of the queue: that fast path pops it from the head
// car without disturbing the cars behind it.
func (t *Train) RemovePull(ctx context.Context, deps *Dependencies, pr githubtypes.PullRequestNumber, mergeCommitSHA *githubtypes.SHA) error {
	if mergeCommitSHA != nil && len(t.Cars) > 0 {
		head := t.Cars[0]
		if len(head.StillQueuedEmbarkedPulls) > 0 && head.StillQueuedEmbarkedPulls[0].PullRequestNumber == pr {
			if branchHead, err := t.branchHead(ctx, deps); err == nil {
				if !t.isSyncedWithBase(branchHead) && branchHead != *mergeCommitSHA {
					// Someone else moved the target branch under us.
					return t.Reset(ctx, deps, UnexpectedChange{Kind: UnexpectedBaseBranchChange, BaseSHA: branchHead})
				}
			}
			head.StillQueuedEmbarkedPulls = head.StillQueuedEmbarkedPulls[1:]
			sha := *mergeCommitSHA
			t.CurrentBaseSHA = &sha
			observe(deps.Observer, func(o Observer) { o.PullMerged(t.Repo, head.queueRuleName()) })
			if len(head.StillQueuedEmbarkedPulls) == 0 {
				_ = head.deleteBranch(ctx, t.ctx(), deps)
				t.Cars = t.Cars[1:]
			}
			return t.emitRefreshToAll(ctx, deps, ActionInternal, "pull request merged")
		}
	}

	pos, found := t.findPull(pr)
	if !found {
		return nil
	}
	if pos.carIndex == -1 {
		t.WaitingPulls = removeWaiting(t.WaitingPulls, pr)
		return t.emitRefreshToAll(ctx, deps, ActionInternal, "pull request removed from the queue")
	}

	reason := fmt.Sprintf("pull request #%d has been removed from the queue", pr)
	t.slice(ctx, deps, pos.carIndex, reason)
	t.WaitingPulls = removeWaiting(t.WaitingPulls, pr)
	return t.emitRefreshToAll(ctx, deps, ActionInternal, "pull request removed from the queue")
}

func insertWaiting(pulls []queue.EmbarkedPull, at int, p queue.EmbarkedPull) []queue.EmbarkedPull {
	if at < 0 {
		at = 0
	}
	if at > len(pulls) {
		at = len(pulls)
	}
	out := make([]queue.EmbarkedPull, 0, len(pulls)+1)
	out = append(out, pulls[:at]...)
	out = append(out, p)
	out = append(out, pulls[at:]...)
	return out
}

func removeWaiting(pulls []queue.EmbarkedPull, pr githubtypes.PullRequestNumber) []queue.EmbarkedPull {
	out := pulls[:0:0]
	for _, p := range pulls {
		if p.PullRequestNumber != pr {
			out = append(out, p)
		}
	}
	return out
}

// slice tears down the car at position and every car after it, their
// still-queued pulls rejoining the front of the waiting list in order.
// Cars strictly before position are untouched.
func (t *Train) slice(ctx context.Context, deps *Dependencies, position int, reason string) {
	if position < 0 || position >= len(t.Cars) {
		return
	}
	var rollback []queue.EmbarkedPull
	for i := position; i < len(t.Cars); i++ {
		car := t.Cars[i]
		rollback = append(rollback, car.StillQueuedEmbarkedPulls...)
		_ = car.deletePull(ctx, t.ctx(), reason, deps)
	}
	t.Cars = t.Cars[:position]
	t.WaitingPulls = append(rollback, t.WaitingPulls...)
}

// Reset tears down every car after an externally detected divergence, such
// as the target branch moving under the train. The affected pulls rejoin
// the waiting list and their summaries get the re-embarked banner.
func (t *Train) Reset(ctx context.Context, deps *Dependencies, unexpected UnexpectedChange) error {
	for _, car := range t.Cars {
		_ = car.updateSummaries(ctx, t.ctx(), rules.ConclusionPending, &unexpected, deps)
	}
	t.slice(ctx, deps, 0, unexpected.String())
	return t.emitRefreshToAll(ctx, deps, ActionAdmin, "train reset: "+unexpected.String())
}

func (t *Train) emitRefreshToAll(ctx context.Context, deps *Dependencies, action RefreshAction, source string) error {
	for _, car := range t.Cars {
		for _, p := range car.StillQueuedEmbarkedPulls {
			_ = deps.emitRefresh(ctx, t.Owner, t.Repo, p.PullRequestNumber, action, source)
		}
	}
	for _, p := range t.WaitingPulls {
		_ = deps.emitRefresh(ctx, t.Owner, t.Repo, p.PullRequestNumber, action, source)
	}
	return nil
}

func (t *Train) branchHead(ctx context.Context, deps *Dependencies) (githubtypes.SHA, error) {
	if deps.Host == nil {
		return "", fmt.Errorf("no host client")
	}
	return deps.Host.GetBranchHeadSHA(ctx, t.Owner, t.Repo, string(t.Ref))
}

// isSyncedWithBase reports whether sha matches the base commit the cars
// were built on. An empty train is trivially in sync.
func (t *Train) isSyncedWithBase(sha githubtypes.SHA) bool {
	if len(t.Cars) == 0 {
		return true
	}
	if t.CurrentBaseSHA != nil && *t.CurrentBaseSHA == sha {
		return true
	}
	return false
}

// dedup enforces that a pull number appears at most once across the whole
// train: a duplicate in the cars region slices off the later occurrence and
// everything behind it, then the waiting list is filtered by set membership.
func (t *Train) dedup(ctx context.Context, deps *Dependencies) {
	seen := map[githubtypes.PullRequestNumber]bool{}
scan:
	for ci, car := range t.Cars {
		for _, p := range car.StillQueuedEmbarkedPulls {
			if seen[p.PullRequestNumber] {
				t.slice(ctx, deps, ci, fmt.Sprintf("pull request #%d is already queued ahead", p.PullRequestNumber))
				// Slicing moved every later pull into the waiting list; the
				// membership filter below takes care of the rest.
				break scan
			}
			seen[p.PullRequestNumber] = true
		}
	}
	filtered := t.WaitingPulls[:0:0]
	for _, p := range t.WaitingPulls {
		if !seen[p.PullRequestNumber] {
			filtered = append(filtered, p)
			seen[p.PullRequestNumber] = true
		}
	}
	t.WaitingPulls = filtered
}

// syncConfigurationChange slices at the first car whose queue no longer
// exists in qrules.
func (t *Train) syncConfigurationChange(ctx context.Context, deps *Dependencies, qrules rules.QueueRules) {
	for ci, car := range t.Cars {
		if _, ok := qrules[car.queueRuleName()]; !ok {
			reason := fmt.Sprintf("queue named %q does not exist anymore", car.queueRuleName())
			t.slice(ctx, deps, ci, reason)
			return
		}
	}
}

// headRule returns the queue rule of the head-of-queue pull, whether it is
// already in the first car or still the oldest waiting pull. Speculative
// checks and batch parameters are always read off the head.
func (t *Train) headRule(qrules rules.QueueRules) *rules.QueueRule {
	if len(t.Cars) > 0 {
		return qrules[t.Cars[0].queueRuleName()]
	}
	if len(t.WaitingPulls) > 0 {
		return qrules[t.WaitingPulls[0].Config.Name]
	}
	return nil
}

// Refresh is the idempotent reconciliation loop: drop duplicates, drop cars
// whose queue vanished from configuration, bisect failed batches, then fill
// the car list back up from the waiting pulls. Callers persist the train
// immediately after a nil return.
func (t *Train) Refresh(ctx context.Context, deps *Dependencies, qrules rules.QueueRules, now time.Time) error {
	t.dedup(ctx, deps)
	t.syncConfigurationChange(ctx, deps, qrules)
	t.splitFailedBatches(ctx, deps, qrules)
	return t.populateCars(ctx, deps, qrules, now)
}

// populateCars keeps building cars from the head of the waiting list until
// the speculative-checks bound is reached or the waiting list can't form a
// ready batch.
func (t *Train) populateCars(ctx context.Context, deps *Dependencies, qrules rules.QueueRules, now time.Time) error {
	for {
		rule := t.headRule(qrules)
		if rule == nil {
			return nil
		}
		if len(t.Cars) >= max(1, rule.SpeculativeChecks) {
			return nil
		}
		if len(t.WaitingPulls) == 0 {
			return nil
		}

		batch, ready := t.nextBatch(rule, now)
		if !ready {
			if len(batch) > 0 {
				wakeAt := batch[0].QueuedAt.Add(rule.BatchMaxWaitTime)
				if deps.Delayed != nil {
					_ = deps.Delayed.PlanRefreshAtLeastAt(ctx, t.Owner, t.Repo, batch[0].PullRequestNumber, wakeAt)
				}
			}
			return nil
		}

		if len(t.Cars) == 0 && t.CurrentBaseSHA == nil {
			sha, err := t.branchHead(ctx, deps)
			if err != nil {
				return err
			}
			t.CurrentBaseSHA = &sha
		}

		t.WaitingPulls = t.WaitingPulls[len(batch):]

		var parents []githubtypes.PullRequestNumber
		for _, car := range t.Cars {
			parents = append(parents, stillQueuedNumbers(car)...)
		}
		baseSHA := t.nextBaseSHA()
		car := newCar(batch, parents, baseSHA, now, nil)
		t.Cars = append(t.Cars, car)

		err := car.startChecking(ctx, t.ctx(), len(t.Cars)-1, rule, deps)
		if err == nil {
			continue
		}

		var postponed *creationPostponed
		var failed *creationFailed
		switch {
		case asPostponed(err, &postponed):
			t.Cars = t.Cars[:len(t.Cars)-1]
			t.WaitingPulls = append(batch, t.WaitingPulls...)
			return nil
		case asFailed(err, &failed):
			car.setCreationFailure(ctx, t.ctx(), failed.Error(), deps)
			return nil
		default:
			return err
		}
	}
}

func asPostponed(err error, target **creationPostponed) bool {
	if p, ok := err.(*creationPostponed); ok {
		*target = p
		return true
	}
	return false
}

func asFailed(err error, target **creationFailed) bool {
	if f, ok := err.(*creationFailed); ok {
		*target = f
		return true
	}
	return false
}

// nextBaseSHA is the initial base of cars[0] once any car exists (every
// later car shares it, since each car is a speculative alternative future
// atop the same known-good commit), or the train's tracked
// current_base_sha for the first car.
func (t *Train) nextBaseSHA() githubtypes.SHA {
	if len(t.Cars) > 0 {
		return t.Cars[0].InitialBaseSHA
	}
	if t.CurrentBaseSHA != nil {
		return *t.CurrentBaseSHA
	}
	return ""
}

// nextBatch takes the longest waiting-list prefix of length <= batch_size
// sharing the head queue name. The batch is ready once it is full or its
// oldest member has waited past batch_max_wait_time.
func (t *Train) nextBatch(rule *rules.QueueRule, now time.Time) ([]queue.EmbarkedPull, bool) {
	batchSize := rule.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	var batch []queue.EmbarkedPull
	for _, p := range t.WaitingPulls {
		if p.Config.Name != rule.Name {
			break
		}
		batch = append(batch, p)
		if len(batch) == batchSize {
			break
		}
	}
	if len(batch) == 0 {
		return nil, false
	}
	if len(batch) == batchSize {
		return batch, true
	}
	oldest := batch[0].QueuedAt
	if now.Sub(oldest) >= rule.BatchMaxWaitTime {
		return batch, true
	}
	return batch, false
}

// ForceRemovePull removes pr from every train of the installation except
// the one keyed by excludeRef.
func ForceRemovePull(ctx context.Context, deps *Dependencies, trains []*Train, pr githubtypes.PullRequestNumber, excludeRef githubtypes.RefType) error {
	for _, t := range trains {
		if t.Ref == excludeRef {
			continue
		}
		if err := t.RemovePull(ctx, deps, pr, nil); err != nil {
			return err
		}
	}
	return nil
}
