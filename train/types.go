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

// Package train implements the merge-train scheduler: the ordered queue of
// cars and waiting pulls for one (repo, branch), the car state machine, and
// the bisection splitter that localizes blame when a speculative batch
// fails.
package train

import (
	"context"
	"time"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/hostapi"
)

// HostAPI is the hosting-platform surface the train drives cars through,
// re-exported so callers wiring Dependencies don't need a second import for
// the type name alone.
type HostAPI = hostapi.HostAPI

// MergeQueueBranchPrefix namespaces every synthetic branch this engine
// creates.
const MergeQueueBranchPrefix = "merge-queue"

// SummaryCheckName is the platform check-run name the train posts status
// summaries under.
const SummaryCheckName = "Merge queue summary"

// RefreshAction classifies why a refresh signal was emitted.
type RefreshAction string

const (
	ActionInternal RefreshAction = "internal"
	ActionUser     RefreshAction = "user"
	ActionAdmin    RefreshAction = "admin"
)

// RefreshSignal is what the engine emits after every state change so
// downstream consumers re-enter for the affected pull request.
type RefreshSignal struct {
	Owner             string
	Repo              string
	PullRequestNumber githubtypes.PullRequestNumber
	Action            RefreshAction
	Source            string
}

// RefreshSignaler is the external stream the train publishes RefreshSignals
// to. Event intake and delivery are not this package's concern.
type RefreshSignaler interface {
	EmitRefresh(ctx context.Context, sig RefreshSignal) error
}

// BufferedSignaler queues signals in memory until Flush. Callers that must
// not publish a signal before the train is persisted wrap their real
// signaler in one of these per operation and flush once the save returns,
// so readers woken by a signal always see the post-event state.
type BufferedSignaler struct {
	Inner RefreshSignaler

	buffered []RefreshSignal
}

// EmitRefresh implements RefreshSignaler.
func (b *BufferedSignaler) EmitRefresh(_ context.Context, sig RefreshSignal) error {
	b.buffered = append(b.buffered, sig)
	return nil
}

// Flush publishes every buffered signal in order and clears the buffer.
func (b *BufferedSignaler) Flush(ctx context.Context) error {
	var firstErr error
	for _, sig := range b.buffered {
		if b.Inner == nil {
			continue
		}
		if err := b.Inner.EmitRefresh(ctx, sig); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.buffered = nil
	return firstErr
}

// Observer is an optional operational hook the train calls at the points a
// surrounding process would want to count (package metrics implements it).
// The core stays metrics-library-free; it only ever calls through this
// narrow interface, nil-safe so tests and simple callers can omit it.
type Observer interface {
	CarCreated(repo, queue string)
	CarFailed(repo, queue string)
	CarSplit(repo, queue string)
	PullMerged(repo, queue string)
}

func observe(o Observer, f func(Observer)) {
	if o != nil {
		f(o)
	}
}

// DelayedScheduler lets the train ask to be refreshed no later than a given
// time, used to enforce batch_max_wait_time.
type DelayedScheduler interface {
	PlanRefreshAtLeastAt(ctx context.Context, owner, repo string, pull githubtypes.PullRequestNumber, at time.Time) error
}

// UnexpectedChangeKind enumerates the externally-driven divergences that
// force a train reset.
type UnexpectedChangeKind string

const (
	UnexpectedDraftPullRequestChange   UnexpectedChangeKind = "draft_pull_request_change"
	UnexpectedUpdatedPullRequestChange UnexpectedChangeKind = "updated_pull_request_change"
	UnexpectedBaseBranchChange         UnexpectedChangeKind = "base_branch_change"
)

// UnexpectedChange carries just enough data to render the "re-embarked
// soon" banner. Detection of these events lives in the surrounding engine;
// they enter the train through Reset.
type UnexpectedChange struct {
	Kind                     UnexpectedChangeKind
	DraftPullRequestNumber   githubtypes.PullRequestNumber
	UpdatedPullRequestNumber githubtypes.PullRequestNumber
	BaseSHA                  githubtypes.SHA
}

func (u UnexpectedChange) String() string {
	switch u.Kind {
	case UnexpectedDraftPullRequestChange:
		return "the draft pull request has been manually updated"
	case UnexpectedUpdatedPullRequestChange:
		return "the updated pull request has been manually updated"
	case UnexpectedBaseBranchChange:
		return "an external action moved the branch head to " + string(u.BaseSHA)
	default:
		return "unexpected queue change"
	}
}

// creationPostponed signals the car could not (yet) be created because of a
// transient condition; the caller retries on the next refresh.
type creationPostponed struct{ err error }

func (e *creationPostponed) Error() string { return "car creation postponed: " + e.err.Error() }
func (e *creationPostponed) Unwrap() error { return e.err }

// creationFailed signals the car failed terminally; the affected pull(s)
// will be dequeued by the surrounding engine.
type creationFailed struct{ err error }

func (e *creationFailed) Error() string { return "car creation failed: " + e.err.Error() }
func (e *creationFailed) Unwrap() error { return e.err }
