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
	"encoding/json"
	"time"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/queue"
	"github.com/clarketm/mergequeue/rules"
)

// document is the JSON layout persisted under the store's hash field. It is
// deliberately looser than Train/Car so Deserialize can accept the old
// single-pull-per-car layout without a migration step.
type document struct {
	Cars           []carDocument  `json:"cars"`
	WaitingPulls   []pullDocument `json:"waiting_pulls"`
	CurrentBaseSHA *string        `json:"current_base_sha,omitempty"`
}

type pullDocument struct {
	PullRequestNumber int                `json:"pull_request_number"`
	Config            pullConfigDocument `json:"config"`
	QueuedAt          time.Time          `json:"queued_at"`
}

type pullConfigDocument struct {
	Name              string `json:"name"`
	Priority          int    `json:"priority"`
	EffectivePriority int    `json:"effective_priority"`
	UpdateMethod      string `json:"update_method"`
	UpdateBotAccount  string `json:"update_bot_account,omitempty"`
}

type checkDocument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	State       string `json:"state"`
	AppID       int64  `json:"app_id,omitempty"`
}

// carDocument accepts both the current layout (initial_embarked_pulls) and
// the older single-pull layout.
type carDocument struct {
	InitialEmbarkedPulls     []pullDocument  `json:"initial_embarked_pulls,omitempty"`
	Pull                     *pullDocument   `json:"pull,omitempty"` // old layout
	StillQueuedEmbarkedPulls []pullDocument  `json:"still_queued_embarked_pulls,omitempty"`
	ParentPullRequestNumbers []int           `json:"parent_pull_request_numbers,omitempty"`
	InitialBaseSHA           string          `json:"initial_base_sha"`
	CreationDate             *time.Time      `json:"creation_date,omitempty"`
	CreationState            string          `json:"creation_state"`
	ChecksConclusion         string          `json:"checks_conclusion"`
	QueuePullRequestNumber   *int            `json:"queue_pull_request_number,omitempty"`
	HeadBranch               *string         `json:"head_branch,omitempty"`
	FailureHistory           []carDocument   `json:"failure_history,omitempty"`
	LastChecks               []checkDocument `json:"last_checks,omitempty"`
	LastEvaluatedConditions  string          `json:"last_evaluated_conditions,omitempty"`
	HasTimedOut              *bool           `json:"has_timed_out,omitempty"`
}

func toPullDocument(p queue.EmbarkedPull) pullDocument {
	return pullDocument{
		PullRequestNumber: int(p.PullRequestNumber),
		Config: pullConfigDocument{
			Name:              p.Config.Name,
			Priority:          p.Config.Priority,
			EffectivePriority: p.Config.EffectivePriority,
			UpdateMethod:      string(p.Config.UpdateMethod),
			UpdateBotAccount:  p.Config.UpdateBotAccount,
		},
		QueuedAt: p.QueuedAt,
	}
}

func fromPullDocument(d pullDocument) queue.EmbarkedPull {
	return queue.EmbarkedPull{
		PullRequestNumber: githubtypes.PullRequestNumber(d.PullRequestNumber),
		Config: queue.PullQueueConfig{
			Name:              d.Config.Name,
			Priority:          d.Config.Priority,
			EffectivePriority: d.Config.EffectivePriority,
			UpdateMethod:      rules.UpdateMethod(d.Config.UpdateMethod),
			UpdateBotAccount:  d.Config.UpdateBotAccount,
		},
		QueuedAt: d.QueuedAt,
	}
}

func toCarDocument(c *Car) carDocument {
	d := carDocument{
		InitialEmbarkedPulls:     pullsToDocuments(c.InitialEmbarkedPulls),
		StillQueuedEmbarkedPulls: pullsToDocuments(c.StillQueuedEmbarkedPulls),
		InitialBaseSHA:           string(c.InitialBaseSHA),
		CreationDate:             &c.CreationDate,
		CreationState:            string(c.CreationState),
		ChecksConclusion:         string(c.ChecksConclusion),
		HeadBranch:               &c.HeadBranch,
		LastEvaluatedConditions:  c.LastEvaluatedConditions,
		HasTimedOut:              &c.HasTimedOut,
	}
	for _, n := range c.ParentPullRequestNumbers {
		d.ParentPullRequestNumbers = append(d.ParentPullRequestNumbers, int(n))
	}
	if c.QueuePullRequestNumber != nil {
		n := int(*c.QueuePullRequestNumber)
		d.QueuePullRequestNumber = &n
	}
	for _, check := range c.LastChecks {
		d.LastChecks = append(d.LastChecks, checkDocument{
			Name: check.Name, Description: check.Description, URL: check.URL,
			AvatarURL: check.AvatarURL, State: string(check.State), AppID: check.AppID,
		})
	}
	for _, prior := range c.FailureHistory {
		d.FailureHistory = append(d.FailureHistory, toCarDocument(prior))
	}
	return d
}

func fromCarDocument(d carDocument) *Car {
	initial := documentsToPulls(d.InitialEmbarkedPulls)
	if len(initial) == 0 && d.Pull != nil {
		// Old layout: a single embedded pull instead of the list.
		initial = []queue.EmbarkedPull{fromPullDocument(*d.Pull)}
	}
	stillQueued := documentsToPulls(d.StillQueuedEmbarkedPulls)
	if stillQueued == nil {
		stillQueued = append([]queue.EmbarkedPull{}, initial...)
	}

	c := &Car{
		InitialEmbarkedPulls:     initial,
		StillQueuedEmbarkedPulls: stillQueued,
		InitialBaseSHA:           githubtypes.SHA(d.InitialBaseSHA),
		CreationState:            CarState(d.CreationState),
		ChecksConclusion:         rules.Conclusion(d.ChecksConclusion),
		LastEvaluatedConditions:  d.LastEvaluatedConditions,
	}
	for _, n := range d.ParentPullRequestNumbers {
		c.ParentPullRequestNumbers = append(c.ParentPullRequestNumbers, githubtypes.PullRequestNumber(n))
	}
	if d.CreationDate != nil {
		c.CreationDate = *d.CreationDate
	}
	if d.QueuePullRequestNumber != nil {
		n := githubtypes.PullRequestNumber(*d.QueuePullRequestNumber)
		c.QueuePullRequestNumber = &n
	}
	if d.HeadBranch != nil && *d.HeadBranch != "" {
		c.HeadBranch = *d.HeadBranch
	} else {
		c.HeadBranch = headBranchFor(initial)
	}
	if d.HasTimedOut != nil {
		c.HasTimedOut = *d.HasTimedOut
	}
	for _, check := range d.LastChecks {
		c.LastChecks = append(c.LastChecks, githubtypes.CheckRun{
			Name: check.Name, Description: check.Description, URL: check.URL,
			AvatarURL: check.AvatarURL, State: githubtypes.CheckState(check.State), AppID: check.AppID,
		})
	}
	for _, prior := range d.FailureHistory {
		c.FailureHistory = append(c.FailureHistory, fromCarDocument(prior))
	}
	return c
}

func pullsToDocuments(pulls []queue.EmbarkedPull) []pullDocument {
	if pulls == nil {
		return nil
	}
	out := make([]pullDocument, len(pulls))
	for i, p := range pulls {
		out[i] = toPullDocument(p)
	}
	return out
}

func documentsToPulls(docs []pullDocument) []queue.EmbarkedPull {
	if docs == nil {
		return nil
	}
	out := make([]queue.EmbarkedPull, len(docs))
	for i, d := range docs {
		out[i] = fromPullDocument(d)
	}
	return out
}

// Serialize renders the train into the JSON document layout the store keeps
// per (repo, ref) hash field.
func Serialize(t *Train) ([]byte, error) {
	doc := document{}
	for _, c := range t.Cars {
		doc.Cars = append(doc.Cars, toCarDocument(c))
	}
	for _, p := range t.WaitingPulls {
		doc.WaitingPulls = append(doc.WaitingPulls, toPullDocument(p))
	}
	if t.CurrentBaseSHA != nil {
		s := string(*t.CurrentBaseSHA)
		doc.CurrentBaseSHA = &s
	}
	return json.Marshal(doc)
}

// Deserialize reconstructs a Train from a persisted document, tolerating
// the older single-pull-per-car layout and defaulting fields later layouts
// added.
func Deserialize(owner, repo string, repoID int64, ref githubtypes.RefType, data []byte) (*Train, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	t := New(owner, repo, repoID, ref)
	for _, cd := range doc.Cars {
		t.Cars = append(t.Cars, fromCarDocument(cd))
	}
	for _, pd := range doc.WaitingPulls {
		t.WaitingPulls = append(t.WaitingPulls, fromPullDocument(pd))
	}
	if doc.CurrentBaseSHA != nil {
		sha := githubtypes.SHA(*doc.CurrentBaseSHA)
		t.CurrentBaseSHA = &sha
	}
	return t, nil
}
