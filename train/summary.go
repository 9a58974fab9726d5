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

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/rules"
)

// checkStateIcon renders a small per-state marker for the checks table.
func checkStateIcon(s githubtypes.CheckState) string {
	switch s {
	case githubtypes.CheckSuccess:
		return "✅"
	case githubtypes.CheckFailure, githubtypes.CheckError, githubtypes.CheckTimedOut:
		return "❌"
	case githubtypes.CheckCancelled, githubtypes.CheckSkipped, githubtypes.CheckNeutral, githubtypes.CheckStale:
		return "⬜"
	case githubtypes.CheckActionRequired:
		return "⚠️"
	default:
		return "⏳"
	}
}

// title picks the summary headline from the conclusion and whether the car
// carries one pull or a batch.
func (c *Car) title() string {
	multi := len(c.InitialEmbarkedPulls) > 1
	switch c.ChecksConclusion {
	case rules.ConclusionSuccess:
		if multi {
			return fmt.Sprintf("PRs %s are mergeable", describeNumbers(initialNumbers(c)))
		}
		return fmt.Sprintf("PR #%d is mergeable", initialNumbers(c)[0])
	case rules.ConclusionFailure:
		if multi {
			return fmt.Sprintf("PRs %s cannot be merged and will be split", describeNumbers(initialNumbers(c)))
		}
		return fmt.Sprintf("PR #%d cannot be merged and has been disembarked", initialNumbers(c)[0])
	default:
		if multi {
			return fmt.Sprintf("PRs %s are embarked for merge", describeNumbers(initialNumbers(c)))
		}
		return fmt.Sprintf("PR #%d is embarked for merge", initialNumbers(c)[0])
	}
}

func initialNumbers(c *Car) []githubtypes.PullRequestNumber {
	out := make([]githubtypes.PullRequestNumber, len(c.InitialEmbarkedPulls))
	for i, p := range c.InitialEmbarkedPulls {
		out[i] = p.PullRequestNumber
	}
	return out
}

// embarkedRefsHeader renders the "Branch **<ref>** (<short-sha>), #1, #2,
// and #3" header naming everything layered into the car.
func (c *Car) embarkedRefsHeader(targetRef string) string {
	short := string(c.InitialBaseSHA)
	if len(short) > 7 {
		short = short[:7]
	}
	numbers := describeNumbersAsAnd(initialNumbers(c))
	return fmt.Sprintf("Branch **%s** (%s), %s", targetRef, short, numbers)
}

func describeNumbersAsAnd(ns []githubtypes.PullRequestNumber) string {
	if len(ns) == 0 {
		return ""
	}
	if len(ns) == 1 {
		return "#" + strconv.Itoa(int(ns[0]))
	}
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = "#" + strconv.Itoa(int(n))
	}
	return strings.Join(parts[:len(parts)-1], ", ") + ", and " + parts[len(parts)-1]
}

func (c *Car) conditionsSection() string {
	if c.LastEvaluatedConditions == "" {
		return ""
	}
	return "\n### Conditions for merge\n\n" + c.LastEvaluatedConditions + "\n"
}

func (c *Car) checksTable() string {
	if len(c.LastChecks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n### Checks\n\n<table>\n")
	for _, check := range c.LastChecks {
		fmt.Fprintf(&b, "<tr><td>%s</td><td><a href=%q>%s</a></td><td>%s</td></tr>\n",
			checkStateIcon(check.State), check.URL, check.Name, check.Description)
	}
	b.WriteString("</table>\n")
	return b.String()
}

// failureHistoryTable renders one row per ancestor batch that failed and
// got bisected on the way to this car.
func (c *Car) failureHistoryTable() string {
	if len(c.FailureHistory) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n### Batch failure history\n\n| Batch | Failed pull requests |\n| --- | --- |\n")
	for i, prior := range c.FailureHistory {
		fmt.Fprintf(&b, "| %d | %s |\n", i+1, describeNumbers(initialNumbers(prior)))
	}
	return b.String()
}

func (c *Car) timeoutBanner() string {
	if !c.HasTimedOut {
		return ""
	}
	return "\n**The checks have timed out.**\n"
}

func unexpectedChangeBanner(u *UnexpectedChange) string {
	if u == nil {
		return ""
	}
	return "\n**This pull request has been re-embarked soon:** " + u.String() + "\n"
}

func (c *Car) renderDraftBody(tc trainContext) string {
	var b strings.Builder
	b.WriteString(c.embarkedRefsHeader(string(tc.Ref)))
	b.WriteString("\n")
	b.WriteString(c.conditionsSection())
	return b.String()
}

// updateSummaries composes the summary body, posts the summary check-run on
// every still-queued original PR and on the synthetic PR when one exists,
// and closes out the synthetic PR on a terminal conclusion.
func (c *Car) updateSummaries(ctx context.Context, tc trainContext, conclusion rules.Conclusion, unexpected *UnexpectedChange, deps *Dependencies) error {
	title := c.title()
	var body strings.Builder
	body.WriteString(unexpectedChangeBanner(unexpected))
	body.WriteString(c.timeoutBanner())
	body.WriteString(c.conditionsSection())
	body.WriteString(c.checksTable())
	body.WriteString(c.failureHistoryTable())

	state := githubtypes.CheckPending
	switch conclusion {
	case rules.ConclusionSuccess:
		state = githubtypes.CheckSuccess
	case rules.ConclusionFailure:
		state = githubtypes.CheckFailure
	case rules.ConclusionCancelled:
		state = githubtypes.CheckCancelled
	}

	for _, p := range c.StillQueuedEmbarkedPulls {
		if view, err := deps.Host.GetPull(ctx, tc.Owner, tc.Repo, p.PullRequestNumber); err == nil {
			_ = deps.Host.PostCheckRun(ctx, tc.Owner, tc.Repo, view.HeadSHA, SummaryCheckName, title, body.String(), state)
		}
	}

	if c.CreationState != CarCreated || c.QueuePullRequestNumber == nil {
		return nil
	}

	if view, err := deps.Host.GetPull(ctx, tc.Owner, tc.Repo, *c.QueuePullRequestNumber); err == nil {
		_ = deps.Host.PostCheckRun(ctx, tc.Owner, tc.Repo, view.HeadSHA, SummaryCheckName, title, body.String(), state)
	}

	if conclusion == rules.ConclusionSuccess || conclusion == rules.ConclusionFailure {
		_ = deps.Host.PostComment(ctx, tc.Owner, tc.Repo, *c.QueuePullRequestNumber, title+"\n\n"+body.String())
		_ = deps.Host.ClosePull(ctx, tc.Owner, tc.Repo, *c.QueuePullRequestNumber)
	}
	return nil
}
