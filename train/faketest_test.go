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

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/hostapi"
	"github.com/clarketm/mergequeue/rules"
)

// fakeHost is a minimal in-memory HostAPI: branches are plain SHAs, pull
// requests are tracked by number, and the synthetic-ref and draft-PR
// machinery is reproduced just far enough to drive a car through
// startDraft/startInPlace without a network.
type fakeHost struct {
	branches  map[string]githubtypes.SHA // "owner/repo/branch" -> head sha
	pulls     map[int]*githubtypes.PullRequestView
	nextPull  int
	refs      map[string]bool
	closed    map[int]bool
	checkRuns []postedCheckRun
	mergeErr  map[int]error // forced MergeIntoRef error by head pull number
}

type postedCheckRun struct {
	Number     int
	Conclusion githubtypes.CheckState
	Title      string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		branches: map[string]githubtypes.SHA{},
		pulls:    map[int]*githubtypes.PullRequestView{},
		refs:     map[string]bool{},
		closed:   map[int]bool{},
		mergeErr: map[int]error{},
	}
}

func (f *fakeHost) addPull(owner, repo string, number int, base githubtypes.RefType, headSHA githubtypes.SHA) {
	f.pulls[number] = &githubtypes.PullRequestView{
		Owner: owner, Repo: repo, Number: githubtypes.PullRequestNumber(number),
		Base: base, HeadSHA: headSHA,
	}
}

func branchKey(owner, repo, branch string) string { return owner + "/" + repo + "/" + branch }

func (f *fakeHost) CreateRef(_ context.Context, in hostapi.CreateRefInput) error {
	key := branchKey(in.Owner, in.Repo, in.RefName)
	if f.refs[key] {
		return hostapi.NewError(422, "Reference already exists", nil)
	}
	f.refs[key] = true
	f.branches[key] = in.SHA
	return nil
}

func (f *fakeHost) MergeIntoRef(_ context.Context, in hostapi.MergeIntoRefInput) error {
	if err, ok := f.mergeErr[int(in.HeadPull)]; ok {
		return err
	}
	key := branchKey(in.Owner, in.Repo, in.Base)
	f.branches[key] = githubtypes.SHA(fmt.Sprintf("%s+merge(#%d)", f.branches[key], in.HeadPull))
	return nil
}

func (f *fakeHost) UpdateBranch(_ context.Context, owner, repo string, number githubtypes.PullRequestNumber) error {
	pr, ok := f.pulls[int(number)]
	if !ok {
		return hostapi.NewError(404, "Not Found", nil)
	}
	pr.HeadSHA = githubtypes.SHA(fmt.Sprintf("%s+rebased", pr.HeadSHA))
	return nil
}

func (f *fakeHost) DeleteRef(_ context.Context, owner, repo, refName string) error {
	delete(f.refs, branchKey(owner, repo, refName))
	return nil
}

func (f *fakeHost) OpenPull(_ context.Context, in hostapi.OpenPullInput) (githubtypes.PullRequestNumber, error) {
	f.nextPull++
	number := f.nextPull + 1000
	f.pulls[number] = &githubtypes.PullRequestView{
		Owner: in.Owner, Repo: in.Repo, Number: githubtypes.PullRequestNumber(number),
		Title: in.Title, Base: githubtypes.RefType(in.Base),
		HeadSHA: f.branches[branchKey(in.Owner, in.Repo, in.Head)],
	}
	return githubtypes.PullRequestNumber(number), nil
}

func (f *fakeHost) ClosePull(_ context.Context, _, _ string, number githubtypes.PullRequestNumber) error {
	f.closed[int(number)] = true
	return nil
}

func (f *fakeHost) PatchPullBody(_ context.Context, _ hostapi.PatchPullBodyInput) error { return nil }

func (f *fakeHost) PostComment(_ context.Context, _, _ string, _ githubtypes.PullRequestNumber, _ string) error {
	return nil
}

func (f *fakeHost) GetBranchHeadSHA(_ context.Context, owner, repo, branch string) (githubtypes.SHA, error) {
	sha, ok := f.branches[branchKey(owner, repo, branch)]
	if !ok {
		return "", hostapi.NewError(404, "Not Found", nil)
	}
	return sha, nil
}

func (f *fakeHost) GetPull(_ context.Context, _, _ string, number githubtypes.PullRequestNumber) (githubtypes.PullRequestView, error) {
	pr, ok := f.pulls[int(number)]
	if !ok {
		return githubtypes.PullRequestView{}, hostapi.NewError(404, "Not Found", nil)
	}
	return *pr, nil
}

func (f *fakeHost) ListChecks(context.Context, string, string, githubtypes.SHA) ([]githubtypes.CheckRun, error) {
	return nil, nil
}

func (f *fakeHost) ListStatuses(context.Context, string, string, githubtypes.SHA) ([]githubtypes.CheckRun, error) {
	return nil, nil
}

func (f *fakeHost) PostCheckRun(_ context.Context, _, _ string, _ githubtypes.SHA, _, title, _ string, conclusion githubtypes.CheckState) error {
	f.checkRuns = append(f.checkRuns, postedCheckRun{Title: title, Conclusion: conclusion})
	return nil
}

// fakeEvaluator always returns a fixed conclusion, or looks one up per
// checked-pull-number when set, modeling the scripted which-pull-is-guilty
// outcomes a bisection test needs.
type fakeEvaluator struct {
	conclusion rules.Conclusion
	byPull     map[githubtypes.PullRequestNumber]rules.Conclusion
}

func (e *fakeEvaluator) Evaluate(_ context.Context, _ *rules.QueueRule, pulls []githubtypes.PullRequestView) (rules.EvaluatedQueueRule, error) {
	concl := e.conclusion
	if e.byPull != nil {
		for _, p := range pulls {
			if c, ok := e.byPull[p.Number]; ok {
				if c == rules.ConclusionFailure {
					concl = rules.ConclusionFailure
					break
				}
				concl = c
			}
		}
	}
	return rules.EvaluatedQueueRule{Conclusion: concl, Conditions: rules.ConditionsReport{Summary: "conditions"}}, nil
}

// fakeDelayed records every delayed-refresh request so tests can assert a
// partial batch scheduled its wake-up at the right instant.
type fakeDelayed struct {
	planned []time.Time
}

func (f *fakeDelayed) PlanRefreshAtLeastAt(_ context.Context, _, _ string, _ githubtypes.PullRequestNumber, at time.Time) error {
	f.planned = append(f.planned, at)
	return nil
}

// recordingSignaler keeps every emitted refresh signal in order.
type recordingSignaler struct {
	signals []RefreshSignal
}

func (r *recordingSignaler) EmitRefresh(_ context.Context, sig RefreshSignal) error {
	r.signals = append(r.signals, sig)
	return nil
}

// countingObserver records every hook invocation, used to assert the train
// package's Observer wiring actually fires at the documented points.
type countingObserver struct {
	created, failed, split, merged int
}

func (o *countingObserver) CarCreated(string, string) { o.created++ }
func (o *countingObserver) CarFailed(string, string)  { o.failed++ }
func (o *countingObserver) CarSplit(string, string)   { o.split++ }
func (o *countingObserver) PullMerged(string, string) { o.merged++ }
