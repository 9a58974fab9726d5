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

// Package hostapi defines the typed hosting-platform operations the train
// consumes and a concrete implementation backed by go-github. The train
// only ever depends on the HostAPI interface; retries, auth and rate
// limiting all live behind it.
package hostapi

import (
	"context"

	"github.com/clarketm/mergequeue/githubtypes"
)

// CreateRefInput is the body of the create-synthetic-branch call.
type CreateRefInput struct {
	Owner, Repo string
	RefName     string // without "refs/heads/" prefix
	SHA         githubtypes.SHA
}

// MergeIntoRefInput is the body of the call layering one PR into the
// synthetic branch.
type MergeIntoRefInput struct {
	Owner, Repo   string
	Base          string
	HeadPull      githubtypes.PullRequestNumber
	CommitMessage string
}

// OpenPullInput is the body of the open-draft-PR call.
type OpenPullInput struct {
	Owner, Repo        string
	Title, Body        string
	Base, Head         string
	Draft              bool
	ImpersonationToken string // resolved bot-account oauth token, if any
}

// PatchPullBodyInput is the body of a PATCH .../pulls/{n} call updating
// either the body or the state.
type PatchPullBodyInput struct {
	Owner, Repo string
	Number      githubtypes.PullRequestNumber
	Body        *string
	Closed      bool
}

// HostAPI is the typed set of operations the train needs from the hosting
// platform. Every method may block on network I/O; implementations apply
// the retry policy internally, so callers only ever see a terminal,
// classified error.
type HostAPI interface {
	CreateRef(ctx context.Context, in CreateRefInput) error
	MergeIntoRef(ctx context.Context, in MergeIntoRefInput) error
	// UpdateBranch updates a pull request's own branch against its base,
	// the in-place check path.
	UpdateBranch(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber) error
	DeleteRef(ctx context.Context, owner, repo, refName string) error
	OpenPull(ctx context.Context, in OpenPullInput) (githubtypes.PullRequestNumber, error)
	ClosePull(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber) error
	PatchPullBody(ctx context.Context, in PatchPullBodyInput) error
	PostComment(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber, body string) error
	GetBranchHeadSHA(ctx context.Context, owner, repo, branch string) (githubtypes.SHA, error)
	GetPull(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber) (githubtypes.PullRequestView, error)
	ListChecks(ctx context.Context, owner, repo string, sha githubtypes.SHA) ([]githubtypes.CheckRun, error)
	ListStatuses(ctx context.Context, owner, repo string, sha githubtypes.SHA) ([]githubtypes.CheckRun, error)
	PostCheckRun(ctx context.Context, owner, repo string, sha githubtypes.SHA, name, title, summary string, conclusion githubtypes.CheckState) error
}
