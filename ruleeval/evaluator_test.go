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

package ruleeval

import (
	"context"
	"testing"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/hostapi"
	"github.com/clarketm/mergequeue/rules"
)

type fakeHost struct {
	hostapi.HostAPI
	checks   map[githubtypes.SHA][]githubtypes.CheckRun
	statuses map[githubtypes.SHA][]githubtypes.CheckRun
}

func (f *fakeHost) ListChecks(_ context.Context, _, _ string, sha githubtypes.SHA) ([]githubtypes.CheckRun, error) {
	return f.checks[sha], nil
}

func (f *fakeHost) ListStatuses(_ context.Context, _, _ string, sha githubtypes.SHA) ([]githubtypes.CheckRun, error) {
	return f.statuses[sha], nil
}

func pull(sha githubtypes.SHA) githubtypes.PullRequestView {
	return githubtypes.PullRequestView{Owner: "octo", Repo: "widgets", Number: 1, HeadSHA: sha}
}

func TestEvaluateSuccessWhenAllRequiredChecksPass(t *testing.T) {
	host := &fakeHost{checks: map[githubtypes.SHA][]githubtypes.CheckRun{
		"sha1": {{Name: "ci/build", State: githubtypes.CheckSuccess}},
	}}
	e := &Evaluator{Host: host}
	rule := &rules.QueueRule{RequiredContexts: []string{"ci/build"}}

	result, err := e.Evaluate(context.Background(), rule, []githubtypes.PullRequestView{pull("sha1")})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Conclusion != rules.ConclusionSuccess {
		t.Errorf("Conclusion = %v, want success", result.Conclusion)
	}
}

func TestEvaluatePendingOnMissingRequiredContext(t *testing.T) {
	host := &fakeHost{checks: map[githubtypes.SHA][]githubtypes.CheckRun{
		"sha1": {{Name: "ci/build", State: githubtypes.CheckSuccess}},
	}}
	e := &Evaluator{Host: host}
	rule := &rules.QueueRule{RequiredContexts: []string{"ci/build", "ci/lint"}}

	result, err := e.Evaluate(context.Background(), rule, []githubtypes.PullRequestView{pull("sha1")})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Conclusion != rules.ConclusionPending {
		t.Errorf("Conclusion = %v, want pending (ci/lint never reported)", result.Conclusion)
	}
}

func TestEvaluateFailureOnRequiredCheckFailure(t *testing.T) {
	host := &fakeHost{checks: map[githubtypes.SHA][]githubtypes.CheckRun{
		"sha1": {{Name: "ci/build", State: githubtypes.CheckFailure}},
	}}
	e := &Evaluator{Host: host}
	rule := &rules.QueueRule{RequiredContexts: []string{"ci/build"}}

	result, err := e.Evaluate(context.Background(), rule, []githubtypes.PullRequestView{pull("sha1")})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Conclusion != rules.ConclusionFailure {
		t.Errorf("Conclusion = %v, want failure", result.Conclusion)
	}
}

func TestEvaluateIgnoresOptionalContextFailure(t *testing.T) {
	host := &fakeHost{checks: map[githubtypes.SHA][]githubtypes.CheckRun{
		"sha1": {
			{Name: "ci/build", State: githubtypes.CheckSuccess},
			{Name: "ci/flaky", State: githubtypes.CheckFailure},
		},
	}}
	e := &Evaluator{Host: host}
	rule := &rules.QueueRule{RequiredContexts: []string{"ci/build"}, OptionalContexts: []string{"ci/flaky"}}

	result, err := e.Evaluate(context.Background(), rule, []githubtypes.PullRequestView{pull("sha1")})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Conclusion != rules.ConclusionSuccess {
		t.Errorf("Conclusion = %v, want success (failure was on an optional context)", result.Conclusion)
	}
}

func TestEvaluateTimedOutChecksAlwaysFail(t *testing.T) {
	host := &fakeHost{checks: map[githubtypes.SHA][]githubtypes.CheckRun{
		"sha1": {{Name: "ci/build", State: githubtypes.CheckTimedOut}},
	}}
	e := &Evaluator{Host: host}
	rule := &rules.QueueRule{RequiredContexts: []string{"ci/build"}}

	result, err := e.Evaluate(context.Background(), rule, []githubtypes.PullRequestView{pull("sha1")})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.ChecksTimedOut {
		t.Error("expected ChecksTimedOut to be true")
	}
	if result.Conclusion != rules.ConclusionFailure {
		t.Errorf("Conclusion = %v, want failure on timeout", result.Conclusion)
	}
}

func TestEvaluatePendingWhenPullHasNoHeadSHA(t *testing.T) {
	e := &Evaluator{Host: &fakeHost{}}
	rule := &rules.QueueRule{RequiredContexts: []string{"ci/build"}}

	result, err := e.Evaluate(context.Background(), rule, []githubtypes.PullRequestView{{Number: 1}})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Conclusion != rules.ConclusionPending {
		t.Errorf("Conclusion = %v, want pending for a pull with no head sha yet", result.Conclusion)
	}
}
