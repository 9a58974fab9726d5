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

// Package rules holds the queue-rule configuration and the
// QueueRuleEvaluator contract the train consumes. Rule evaluation itself
// lives elsewhere; only the shapes the train needs to drive its state
// machine live here. Durations use a raw string field for YAML, resolved
// into a time.Duration at load time.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/clarketm/mergequeue/githubtypes"
)

// UpdateMethod is how a car's head pull request is kept in sync with its
// base while being checked in place.
type UpdateMethod string

const (
	UpdateMerge  UpdateMethod = "merge"
	UpdateRebase UpdateMethod = "rebase"
)

// PriorityAlias names a handful of conventional priority values.
type PriorityAlias int

const (
	PriorityLow    PriorityAlias = 1000
	PriorityMedium PriorityAlias = 2000
	PriorityHigh   PriorityAlias = 3000
)

// Name renders a priority as its alias when it matches one, else the bare
// number.
func Name(priority int) string {
	switch PriorityAlias(priority) {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("%d", priority)
	}
}

// QueueRule is the resolved configuration of one named queue: batch
// sizing, speculative-checks fan-out and interruption policy.
type QueueRule struct {
	Name string `json:"-"`

	BatchSize               int           `json:"batch_size,omitempty"`
	BatchMaxWaitTimeString  string        `json:"batch_max_wait_time,omitempty"`
	BatchMaxWaitTime        time.Duration `json:"-"`
	SpeculativeChecks       int           `json:"speculative_checks,omitempty"`
	AllowChecksInterruption bool          `json:"allow_checks_interruption,omitempty"`
	AllowInplaceChecks      bool          `json:"allow_inplace_checks,omitempty"`
	DraftBotAccount         string        `json:"draft_bot_account,omitempty"`

	// RequiredContexts and OptionalContexts decide which external checks
	// the default evaluator (package ruleeval) treats as blocking versus
	// advisory. A rule evaluator other than the default one is free to
	// ignore these fields entirely; the train never reads them.
	RequiredContexts []string `json:"required_contexts,omitempty"`
	OptionalContexts []string `json:"optional_contexts,omitempty"`
}

// Parse resolves BatchMaxWaitTimeString into BatchMaxWaitTime. Call after
// unmarshalling from YAML.
func (r *QueueRule) Parse() error {
	if r.BatchMaxWaitTimeString == "" {
		r.BatchMaxWaitTime = 2 * time.Minute
		return nil
	}
	d, err := time.ParseDuration(r.BatchMaxWaitTimeString)
	if err != nil {
		return fmt.Errorf("queue rule %q: invalid batch_max_wait_time: %w", r.Name, err)
	}
	r.BatchMaxWaitTime = d
	return nil
}

// QueueRules is the set of named queues configured for a repository,
// looked up by queue name as the train refreshes.
type QueueRules map[string]*QueueRule

// Condition is one evaluated mergeability condition, part of a
// ConditionsReport's walk.
type Condition struct {
	Label string
	Match bool
}

// ChecksTimeoutConditionLabel marks the condition that represents the
// checks-have-timed-out clause of a queue rule.
const ChecksTimeoutConditionLabel = "checks-timeout"

// ConditionsReport is a human-readable rendering of the conditions the rule
// evaluator checked, plus the individual conditions for timeout detection.
type ConditionsReport struct {
	Summary    string
	Conditions []Condition
}

// Conclusion is the result of evaluating a queue rule against a car's
// checked pull request(s).
type Conclusion string

const (
	ConclusionPending   Conclusion = "pending"
	ConclusionSuccess   Conclusion = "success"
	ConclusionFailure   Conclusion = "failure"
	ConclusionCancelled Conclusion = "cancelled"
	ConclusionNeutral   Conclusion = "neutral"
)

// EvaluatedQueueRule is the result of evaluating a QueueRule against the set
// of pull requests currently checked by a car.
type EvaluatedQueueRule struct {
	Conclusion     Conclusion
	Conditions     ConditionsReport
	ChecksTimedOut bool
}

// QueueRuleEvaluator is the external collaborator that decides whether a
// car's checked pull request(s) satisfy a queue rule. The train never
// looks inside conditions; it only reacts to the returned Conclusion and
// ChecksTimedOut flag.
type QueueRuleEvaluator interface {
	Evaluate(ctx context.Context, rule *QueueRule, pulls []githubtypes.PullRequestView) (EvaluatedQueueRule, error)
}
