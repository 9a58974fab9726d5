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
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/hostapi"
	"github.com/clarketm/mergequeue/queue"
	"github.com/clarketm/mergequeue/rules"
)

// CarState tags how far a car has gotten in materializing its speculative
// check. A pending car has no synthetic artifacts yet; created means a
// draft PR carries its checks; updated means the head PR itself was brought
// up to date and carries them; failed is terminal.
type CarState string

const (
	CarPending CarState = "pending"
	CarCreated CarState = "created"
	CarUpdated CarState = "updated"
	CarFailed  CarState = "failed"
)

// Car is a unit of speculative checking: one or more embarked pulls tested
// together atop a synthetic base, as if every pull ahead of them had
// already merged.
type Car struct {
	InitialEmbarkedPulls     []queue.EmbarkedPull
	StillQueuedEmbarkedPulls []queue.EmbarkedPull
	ParentPullRequestNumbers []githubtypes.PullRequestNumber
	InitialBaseSHA           githubtypes.SHA
	CreationDate             time.Time
	CreationState            CarState
	ChecksConclusion         rules.Conclusion
	QueuePullRequestNumber   *githubtypes.PullRequestNumber
	HeadBranch               string
	FailureHistory           []*Car
	LastChecks               []githubtypes.CheckRun
	LastEvaluatedConditions  string
	HasTimedOut              bool
}

// newCar builds a fresh pending car: frozen initial pulls, a still-queued
// copy seeded identically, and the head branch name derived once up front.
func newCar(pulls []queue.EmbarkedPull, parents []githubtypes.PullRequestNumber, baseSHA githubtypes.SHA, now time.Time, failureHistory []*Car) *Car {
	stillQueued := make([]queue.EmbarkedPull, len(pulls))
	copy(stillQueued, pulls)
	return &Car{
		InitialEmbarkedPulls:     pulls,
		StillQueuedEmbarkedPulls: stillQueued,
		ParentPullRequestNumbers: parents,
		InitialBaseSHA:           baseSHA,
		CreationDate:             now,
		CreationState:            CarPending,
		ChecksConclusion:         rules.ConclusionPending,
		FailureHistory:           failureHistory,
		HeadBranch:               headBranchFor(pulls),
	}
}

func headBranchFor(pulls []queue.EmbarkedPull) string {
	parts := make([]string, len(pulls))
	for i, p := range pulls {
		parts[i] = strconv.Itoa(int(p.PullRequestNumber))
	}
	return strings.Join(parts, "-")
}

// syntheticRefName is the branch name hosting this car's speculative merge,
// "<prefix>/<target-ref>/<head-branch>" without the "refs/heads/" part.
func (c *Car) syntheticRefName(targetRef string) string {
	return MergeQueueBranchPrefix + "/" + targetRef + "/" + c.HeadBranch
}

// queueRuleName is the queue name every embarked pull in this car shares
// (enforced by construction: a car never mixes queues).
func (c *Car) queueRuleName() string {
	if len(c.InitialEmbarkedPulls) == 0 {
		return ""
	}
	return c.InitialEmbarkedPulls[0].Config.Name
}

// canBeInPlace reports whether this car may check its pull in place, by
// updating the pull's own branch instead of building a draft PR: only the
// head car, only a single pull, only with nothing layered underneath, and
// only when the rule allows it. idx is the car's position in Train.Cars.
func (c *Car) canBeInPlace(idx int, rule *rules.QueueRule) bool {
	return idx == 0 &&
		len(c.InitialEmbarkedPulls) == 1 &&
		len(c.ParentPullRequestNumbers) == 0 &&
		rule.AllowInplaceChecks
}

// hasPreviousCarsSucceeded reports whether every car before idx concluded
// success.
func hasPreviousCarsSucceeded(cars []*Car, idx int) bool {
	for i := 0; i < idx; i++ {
		if cars[i].ChecksConclusion != rules.ConclusionSuccess {
			return false
		}
	}
	return true
}

// startChecking materializes a pending car, choosing the in-place update
// path or the draft-PR path. On success the car's CreationState advances to
// Updated or Created. A *creationPostponed or *creationFailed error means
// the caller must unwind the car it just tried to start.
func (c *Car) startChecking(ctx context.Context, tc trainContext, idx int, rule *rules.QueueRule, deps *Dependencies) error {
	if c.canBeInPlace(idx, rule) {
		return c.startInPlace(ctx, tc, rule, deps)
	}
	return c.startDraft(ctx, tc, rule, deps)
}

func (c *Car) startInPlace(ctx context.Context, tc trainContext, rule *rules.QueueRule, deps *Dependencies) error {
	pull := c.InitialEmbarkedPulls[0]

	current, err := deps.Host.GetBranchHeadSHA(ctx, tc.Owner, tc.Repo, string(tc.Ref))
	if err != nil {
		return &creationFailed{err: err}
	}

	view, err := deps.Host.GetPull(ctx, tc.Owner, tc.Repo, pull.PullRequestNumber)
	if err != nil {
		return &creationFailed{err: err}
	}

	if view.HeadSHA != "" && view.Base == tc.Ref && c.InitialBaseSHA == current {
		// Already up to date: nothing to push, just wake the pull.
		c.CreationState = CarUpdated
		return deps.emitRefresh(ctx, tc.Owner, tc.Repo, pull.PullRequestNumber, ActionInternal, "in-place car already up to date")
	}

	if err := deps.Host.UpdateBranch(ctx, tc.Owner, tc.Repo, pull.PullRequestNumber); err != nil {
		return classifyStartErr(err)
	}

	c.CreationState = CarUpdated
	observe(deps.Observer, func(o Observer) { o.CarCreated(tc.Repo, c.queueRuleName()) })
	evaluated, evalErr := deps.Evaluator.Evaluate(ctx, rule, []githubtypes.PullRequestView{view})
	if evalErr != nil {
		return &creationFailed{err: evalErr}
	}
	return c.updateState(ctx, tc, evaluated.Conclusion, evaluated, deps)
}

func (c *Car) startDraft(ctx context.Context, tc trainContext, rule *rules.QueueRule, deps *Dependencies) error {
	refName := c.syntheticRefName(string(tc.Ref))

	if err := deps.Host.CreateRef(ctx, hostapi.CreateRefInput{
		Owner: tc.Owner, Repo: tc.Repo, RefName: refName, SHA: c.InitialBaseSHA,
	}); err != nil {
		if hostapi.IsReferenceAlreadyExists(err) {
			_ = deps.Host.DeleteRef(ctx, tc.Owner, tc.Repo, refName)
		}
		return &creationFailed{err: err}
	}

	toMerge := append(append([]githubtypes.PullRequestNumber{}, c.ParentPullRequestNumbers...), stillQueuedNumbers(c)...)
	for _, n := range toMerge {
		err := deps.Host.MergeIntoRef(ctx, hostapi.MergeIntoRefInput{
			Owner: tc.Owner, Repo: tc.Repo,
			Base:          refName,
			HeadPull:      n,
			CommitMessage: fmt.Sprintf("Merge of #%d", n),
		})
		if err == nil {
			continue
		}
		_ = deps.Host.DeleteRef(ctx, tc.Owner, tc.Repo, refName)
		if hostapi.IsPermissionDenied(err) || hostapi.IsBaseNotYetVisible(err) {
			return &creationPostponed{err: err}
		}
		if hostapi.IsMergeConflict(err) {
			return &creationFailed{err: fmt.Errorf("pull request #%d conflicts with the pull requests ahead of it in the queue: %w", n, err)}
		}
		return &creationFailed{err: err}
	}

	title := fmt.Sprintf("merge-queue: embarking %s together", describeNumbers(stillQueuedNumbers(c)))
	body := c.renderDraftBody(tc)
	number, err := deps.Host.OpenPull(ctx, hostapi.OpenPullInput{
		Owner: tc.Owner, Repo: tc.Repo,
		Title: title, Body: body,
		Base: string(tc.Ref), Head: refName,
		Draft:              true,
		ImpersonationToken: rule.DraftBotAccount,
	})
	if err != nil {
		_ = deps.Host.DeleteRef(ctx, tc.Owner, tc.Repo, refName)
		return &creationFailed{err: err}
	}

	c.QueuePullRequestNumber = &number
	c.CreationState = CarCreated
	observe(deps.Observer, func(o Observer) { o.CarCreated(tc.Repo, c.queueRuleName()) })

	views := c.pullViews(ctx, tc, deps)
	evaluated, evalErr := deps.Evaluator.Evaluate(ctx, rule, views)
	if evalErr != nil {
		return &creationFailed{err: evalErr}
	}
	return c.updateState(ctx, tc, evaluated.Conclusion, evaluated, deps)
}

func classifyStartErr(err error) error {
	if hostapi.IsPermissionDenied(err) || hostapi.IsBaseNotYetVisible(err) {
		return &creationPostponed{err: err}
	}
	return &creationFailed{err: err}
}

func stillQueuedNumbers(c *Car) []githubtypes.PullRequestNumber {
	out := make([]githubtypes.PullRequestNumber, len(c.StillQueuedEmbarkedPulls))
	for i, p := range c.StillQueuedEmbarkedPulls {
		out[i] = p.PullRequestNumber
	}
	return out
}

func describeNumbers(ns []githubtypes.PullRequestNumber) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = "#" + strconv.Itoa(int(n))
	}
	return strings.Join(parts, ", ")
}

// checkedPullNumber is whichever PR currently carries this car's checks:
// the synthetic draft PR when created, the single user PR when updated.
func (c *Car) checkedPullNumber() (githubtypes.PullRequestNumber, bool) {
	switch c.CreationState {
	case CarCreated:
		if c.QueuePullRequestNumber != nil {
			return *c.QueuePullRequestNumber, true
		}
	case CarUpdated:
		if len(c.InitialEmbarkedPulls) == 1 {
			return c.InitialEmbarkedPulls[0].PullRequestNumber, true
		}
	}
	return 0, false
}

func (c *Car) pullViews(ctx context.Context, tc trainContext, deps *Dependencies) []githubtypes.PullRequestView {
	n, ok := c.checkedPullNumber()
	if !ok {
		return nil
	}
	view, err := deps.Host.GetPull(ctx, tc.Owner, tc.Repo, n)
	if err != nil {
		return nil
	}
	return []githubtypes.PullRequestView{view}
}

// updateState records the conclusion and timeout flag, snapshots the
// external checks of the checked pull, then renders and posts the summary.
func (c *Car) updateState(ctx context.Context, tc trainContext, conclusion rules.Conclusion, evaluated rules.EvaluatedQueueRule, deps *Dependencies) error {
	c.ChecksConclusion = conclusion
	c.LastEvaluatedConditions = evaluated.Conditions.Summary
	c.HasTimedOut = evaluated.ChecksTimedOut

	if n, ok := c.checkedPullNumber(); ok {
		if view, err := deps.Host.GetPull(ctx, tc.Owner, tc.Repo, n); err == nil && view.HeadSHA != "" {
			var snapshot []githubtypes.CheckRun
			if checks, err := deps.Host.ListChecks(ctx, tc.Owner, tc.Repo, view.HeadSHA); err == nil {
				snapshot = append(snapshot, checks...)
			}
			if statuses, err := deps.Host.ListStatuses(ctx, tc.Owner, tc.Repo, view.HeadSHA); err == nil {
				snapshot = append(snapshot, statuses...)
			}
			c.LastChecks = snapshot
		}
	}

	return c.updateSummaries(ctx, tc, conclusion, nil, deps)
}

// deletePull tears down the car's synthetic artifacts. A draft PR whose
// summary is still pending gets a re-embarked headline and a cancelled
// summary check before its branch goes away.
func (c *Car) deletePull(ctx context.Context, tc trainContext, reason string, deps *Dependencies) error {
	if c.CreationState == CarCreated && c.QueuePullRequestNumber != nil && c.ChecksConclusion == rules.ConclusionPending {
		body := "# This pull request has been re-embarked soon\n\n" + reason
		_ = deps.Host.PatchPullBody(ctx, hostapi.PatchPullBodyInput{
			Owner: tc.Owner, Repo: tc.Repo, Number: *c.QueuePullRequestNumber, Body: &body,
		})
		if view, err := deps.Host.GetPull(ctx, tc.Owner, tc.Repo, *c.QueuePullRequestNumber); err == nil {
			_ = deps.Host.PostCheckRun(ctx, tc.Owner, tc.Repo, view.HeadSHA, SummaryCheckName, "Pull request re-embarked", reason, githubtypes.CheckCancelled)
		}
	}
	return c.deleteBranch(ctx, tc, deps)
}

func (c *Car) deleteBranch(ctx context.Context, tc trainContext, deps *Dependencies) error {
	if c.HeadBranch == "" {
		return nil
	}
	return deps.Host.DeleteRef(ctx, tc.Owner, tc.Repo, c.syntheticRefName(string(tc.Ref)))
}

// setCreationFailure marks the car failed, tears down its branch, and
// reports action_required on every originally embarked pull so the
// surrounding engine dequeues them. ChecksConclusion stays pending: no
// evaluation ever ran, and a creation failure is not a checks failure the
// splitter should bisect.
func (c *Car) setCreationFailure(ctx context.Context, tc trainContext, reason string, deps *Dependencies) {
	c.CreationState = CarFailed
	observe(deps.Observer, func(o Observer) { o.CarFailed(tc.Repo, c.queueRuleName()) })
	_ = c.deleteBranch(ctx, tc, deps)
	for _, p := range c.InitialEmbarkedPulls {
		if view, err := deps.Host.GetPull(ctx, tc.Owner, tc.Repo, p.PullRequestNumber); err == nil {
			_ = deps.Host.PostCheckRun(ctx, tc.Owner, tc.Repo, view.HeadSHA, SummaryCheckName, "Pull request cannot be merged", reason, githubtypes.CheckActionRequired)
		}
		_ = deps.emitRefresh(ctx, tc.Owner, tc.Repo, p.PullRequestNumber, ActionInternal, "car creation failed")
	}
	logEntry(deps).WithField("reason", reason).Warn("train car creation failed")
}

func logEntry(deps *Dependencies) *logrus.Entry {
	if deps.Log != nil {
		return deps.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
