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

// Package ruleeval is a concrete QueueRuleEvaluator good enough to run the
// cmd/merge-queue-sync entrypoint standalone: a rule passes once every
// required context succeeded and no reported check failed. The train
// treats rule evaluation as an opaque external contract; this package is
// deliberately not part of it.
package ruleeval

import (
	"context"
	"fmt"
	"strings"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/hostapi"
	"github.com/clarketm/mergequeue/rules"
)

// Evaluator decides a car's conclusion from the external checks attached
// to its checked pull request(s). It is called synchronously while a car
// starts or refreshes and always fetches fresh state.
type Evaluator struct {
	Host hostapi.HostAPI
}

// Evaluate implements rules.QueueRuleEvaluator. A rule with no required
// contexts configured is considered satisfied the moment every reported
// check is non-pending and non-failing.
func (e *Evaluator) Evaluate(ctx context.Context, rule *rules.QueueRule, pulls []githubtypes.PullRequestView) (rules.EvaluatedQueueRule, error) {
	optional := toSet(rule.OptionalContexts)

	var conditions []rules.Condition
	timedOut := false
	anyFailure := false
	anyPending := false

	for _, pull := range pulls {
		if pull.HeadSHA == "" {
			anyPending = true
			continue
		}
		checks, err := e.Host.ListChecks(ctx, pull.Owner, pull.Repo, pull.HeadSHA)
		if err != nil {
			return rules.EvaluatedQueueRule{}, fmt.Errorf("listing checks for #%d: %w", pull.Number, err)
		}
		statuses, err := e.Host.ListStatuses(ctx, pull.Owner, pull.Repo, pull.HeadSHA)
		if err != nil {
			return rules.EvaluatedQueueRule{}, fmt.Errorf("listing statuses for #%d: %w", pull.Number, err)
		}

		seen := map[string]bool{}
		for _, check := range append(checks, statuses...) {
			seen[check.Name] = true
			label := fmt.Sprintf("#%d: %s", pull.Number, check.Name)

			if check.State == githubtypes.CheckTimedOut {
				timedOut = true
			}
			if optional[check.Name] {
				conditions = append(conditions, rules.Condition{Label: label + " (optional)", Match: true})
				continue
			}
			match := check.State == githubtypes.CheckSuccess
			conditions = append(conditions, rules.Condition{Label: label, Match: match})
			switch check.State {
			case githubtypes.CheckSuccess:
			case githubtypes.CheckPending:
				anyPending = true
			default:
				anyFailure = true
			}
		}

		for _, name := range rule.RequiredContexts {
			if seen[name] {
				continue
			}
			anyPending = true
			conditions = append(conditions, rules.Condition{Label: fmt.Sprintf("#%d: %s (missing)", pull.Number, name), Match: false})
		}
	}

	conditions = append(conditions, rules.Condition{Label: rules.ChecksTimeoutConditionLabel, Match: !timedOut})

	conclusion := rules.ConclusionPending
	switch {
	case anyFailure || timedOut:
		conclusion = rules.ConclusionFailure
	case anyPending:
		conclusion = rules.ConclusionPending
	default:
		conclusion = rules.ConclusionSuccess
	}

	return rules.EvaluatedQueueRule{
		Conclusion:     conclusion,
		Conditions:     rules.ConditionsReport{Summary: renderConditions(conditions), Conditions: conditions},
		ChecksTimedOut: timedOut,
	}, nil
}

func toSet(xs []string) map[string]bool {
	out := make(map[string]bool, len(xs))
	for _, x := range xs {
		out[x] = true
	}
	return out
}

func renderConditions(conditions []rules.Condition) string {
	var b strings.Builder
	for _, c := range conditions {
		icon := "❌"
		if c.Match {
			icon = "✅"
		}
		fmt.Fprintf(&b, "- %s %s\n", icon, c.Label)
	}
	return b.String()
}
