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

// Package githubtypes holds the narrow read-model types shared by the
// HostAPI contract and the rule-evaluator contract.
package githubtypes

// PullRequestNumber identifies a pull request within a repository.
type PullRequestNumber int

// SHA is a git commit hash.
type SHA string

// RefType is a target branch ref, e.g. "main".
type RefType string

// RepositoryID identifies a repository within an installation.
type RepositoryID int64

// CheckState is the conclusion/state of an external check or status.
type CheckState string

const (
	CheckSuccess        CheckState = "success"
	CheckFailure        CheckState = "failure"
	CheckError          CheckState = "error"
	CheckCancelled      CheckState = "cancelled"
	CheckSkipped        CheckState = "skipped"
	CheckActionRequired CheckState = "action_required"
	CheckTimedOut       CheckState = "timed_out"
	CheckPending        CheckState = "pending"
	CheckNeutral        CheckState = "neutral"
	CheckStale          CheckState = "stale"
)

// PullRequestView is the minimal read model of a pull request the rule
// evaluator and the train need. It intentionally excludes everything a real
// hosting platform attaches to a PR that the core does not use.
type PullRequestView struct {
	Owner          string
	Repo           string
	Number         PullRequestNumber
	Title          string
	HTMLURL        string
	Base           RefType
	Merged         bool
	MergeCommitSHA SHA
	HeadSHA        SHA
}

// CheckRun is one external check-run or status attached to a pull request,
// already normalized from either the Checks API or the legacy Statuses API.
type CheckRun struct {
	Name        string
	Description string
	URL         string
	AvatarURL   string
	State       CheckState
	// AppID identifies the GitHub App that created the check. The hostapi
	// client drops check runs whose AppID matches the platform
	// integration's own app before they reach the train's snapshots.
	AppID int64
}
