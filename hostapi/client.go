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

package hostapi

import (
	"context"
	"strconv"
	"time"

	"github.com/google/go-github/v29/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/clarketm/mergequeue/githubtypes"
)

// Client is the concrete HostAPI, talking to the hosting platform over REST
// via go-github, with the retry policy wrapped around every call.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter

	// IntegrationAppID is this engine's own GitHub App id. Check runs
	// created by it are dropped from snapshots so the engine never reports
	// its own summaries back to itself.
	IntegrationAppID int64
}

// NewClient builds a Client authenticated as the installation, rate
// limiting outbound calls to stay under the hosting platform's abuse
// threshold the way a long-lived poller must.
func NewClient(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	return &Client{
		gh:      github.NewClient(httpClient),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// impersonating returns a client using the given bot-account oauth token
// instead of the installation token, for the draft-PR creation call that
// may need to act as a configured bot account.
func (c *Client) impersonating(ctx context.Context, token string) *github.Client {
	if token == "" {
		return c.gh
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// classify turns a go-github response/error pair into our Error taxonomy,
// including the Retry-After hint the combined wait policy uses.
func classify(resp *github.Response, err error) (time.Duration, error) {
	if err == nil {
		return 0, nil
	}
	status := 0
	var retryAfter time.Duration
	if resp != nil && resp.Response != nil {
		status = resp.Response.StatusCode
		if ra := resp.Response.Header.Get("Retry-After"); ra != "" {
			if secs, perr := time.ParseDuration(ra + "s"); perr == nil {
				retryAfter = secs
			}
		}
	}
	message := err.Error()
	if ghErr, ok := err.(*github.ErrorResponse); ok {
		message = ghErr.Message
		if status == 0 && ghErr.Response != nil {
			status = ghErr.Response.StatusCode
		}
	}
	return retryAfter, NewError(status, message, err)
}

func (c *Client) CreateRef(ctx context.Context, in CreateRefInput) error {
	return retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		ref := "refs/heads/" + in.RefName
		sha := string(in.SHA)
		_, resp, err := c.gh.Git.CreateRef(ctx, in.Owner, in.Repo, &github.Reference{
			Ref:    &ref,
			Object: &github.GitObject{SHA: &sha},
		})
		return classify(resp, err)
	})
}

func (c *Client) MergeIntoRef(ctx context.Context, in MergeIntoRefInput) error {
	return retryBaseNotYetVisible(ctx, func() error {
		return retryTransient(ctx, func() (time.Duration, error) {
			if err := c.wait(ctx); err != nil {
				return 0, err
			}
			head := headPullRef(in.HeadPull)
			_, resp, err := c.gh.Repositories.Merge(ctx, in.Owner, in.Repo, &github.RepositoryMergeRequest{
				Base:          &in.Base,
				Head:          &head,
				CommitMessage: &in.CommitMessage,
			})
			return classify(resp, err)
		})
	})
}

func (c *Client) UpdateBranch(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber) error {
	return retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		_, resp, err := c.gh.PullRequests.UpdateBranch(ctx, owner, repo, int(number), nil)
		return classify(resp, err)
	})
}

func (c *Client) DeleteRef(ctx context.Context, owner, repo, refName string) error {
	err := retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		resp, err := c.gh.Git.DeleteRef(ctx, owner, repo, "heads/"+refName)
		return classify(resp, err)
	})
	if err != nil && (IsNotFound(err) || IsReferenceDoesNotExist(err)) {
		return nil
	}
	return err
}

func (c *Client) OpenPull(ctx context.Context, in OpenPullInput) (githubtypes.PullRequestNumber, error) {
	var number int
	err := retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		gh := c.impersonating(ctx, in.ImpersonationToken)
		pr, resp, err := gh.PullRequests.Create(ctx, in.Owner, in.Repo, &github.NewPullRequest{
			Title: &in.Title,
			Body:  &in.Body,
			Base:  &in.Base,
			Head:  &in.Head,
			Draft: &in.Draft,
		})
		if err == nil {
			number = pr.GetNumber()
		}
		return classify(resp, err)
	})
	return githubtypes.PullRequestNumber(number), err
}

func (c *Client) ClosePull(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber) error {
	return retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		state := "closed"
		_, resp, err := c.gh.PullRequests.Edit(ctx, owner, repo, int(number), &github.PullRequest{State: &state})
		return classify(resp, err)
	})
}

func (c *Client) PatchPullBody(ctx context.Context, in PatchPullBodyInput) error {
	return retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		patch := &github.PullRequest{}
		if in.Body != nil {
			patch.Body = in.Body
		}
		if in.Closed {
			state := "closed"
			patch.State = &state
		}
		_, resp, err := c.gh.PullRequests.Edit(ctx, in.Owner, in.Repo, int(in.Number), patch)
		return classify(resp, err)
	})
}

func (c *Client) PostComment(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber, body string) error {
	return retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		_, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, int(number), &github.IssueComment{Body: &body})
		return classify(resp, err)
	})
}

func (c *Client) GetBranchHeadSHA(ctx context.Context, owner, repo, branch string) (githubtypes.SHA, error) {
	var sha string
	err := retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		b, resp, err := c.gh.Repositories.GetBranch(ctx, owner, repo, branch)
		if err == nil && b.Commit != nil {
			sha = b.Commit.GetSHA()
		}
		return classify(resp, err)
	})
	return githubtypes.SHA(sha), err
}

func (c *Client) GetPull(ctx context.Context, owner, repo string, number githubtypes.PullRequestNumber) (githubtypes.PullRequestView, error) {
	var view githubtypes.PullRequestView
	err := retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, int(number))
		if err == nil {
			view = githubtypes.PullRequestView{
				Owner:          owner,
				Repo:           repo,
				Number:         githubtypes.PullRequestNumber(pr.GetNumber()),
				Title:          pr.GetTitle(),
				HTMLURL:        pr.GetHTMLURL(),
				Base:           githubtypes.RefType(pr.GetBase().GetRef()),
				Merged:         pr.GetMerged(),
				MergeCommitSHA: githubtypes.SHA(pr.GetMergeCommitSHA()),
				HeadSHA:        githubtypes.SHA(pr.GetHead().GetSHA()),
			}
		}
		return classify(resp, err)
	})
	return view, err
}

func (c *Client) ListChecks(ctx context.Context, owner, repo string, sha githubtypes.SHA) ([]githubtypes.CheckRun, error) {
	var runs []githubtypes.CheckRun
	err := retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, string(sha), nil)
		if err == nil {
			runs = nil
			for _, cr := range result.CheckRuns {
				if c.IntegrationAppID != 0 && cr.GetApp().GetID() == c.IntegrationAppID {
					// Never snapshot our own summary check runs.
					continue
				}
				state := githubtypes.CheckState(cr.GetConclusion())
				if state == "" {
					state = githubtypes.CheckPending
				}
				runs = append(runs, githubtypes.CheckRun{
					Name:        cr.GetApp().GetName() + "/" + cr.GetName(),
					Description: cr.GetOutput().GetTitle(),
					URL:         cr.GetHTMLURL(),
					AvatarURL:   cr.GetApp().GetOwner().GetAvatarURL(),
					State:       state,
					AppID:       cr.GetApp().GetID(),
				})
			}
		}
		return classify(resp, err)
	})
	return runs, err
}

func (c *Client) ListStatuses(ctx context.Context, owner, repo string, sha githubtypes.SHA) ([]githubtypes.CheckRun, error) {
	var runs []githubtypes.CheckRun
	err := retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, owner, repo, string(sha), nil)
		if err == nil {
			runs = nil
			for _, s := range statuses {
				state := githubtypes.CheckState(s.GetState())
				if state == "" {
					state = githubtypes.CheckPending
				}
				runs = append(runs, githubtypes.CheckRun{
					Name:        s.GetContext(),
					Description: s.GetDescription(),
					URL:         s.GetTargetURL(),
					AvatarURL:   s.GetCreator().GetAvatarURL(),
					State:       state,
				})
			}
		}
		return classify(resp, err)
	})
	return runs, err
}

func (c *Client) PostCheckRun(ctx context.Context, owner, repo string, sha githubtypes.SHA, name, title, summary string, conclusion githubtypes.CheckState) error {
	return retryTransient(ctx, func() (time.Duration, error) {
		if err := c.wait(ctx); err != nil {
			return 0, err
		}
		concl := string(conclusion)
		opts := github.CreateCheckRunOptions{
			Name:    name,
			HeadSHA: string(sha),
			Output: &github.CheckRunOutput{
				Title:   &title,
				Summary: &summary,
			},
		}
		if conclusion != githubtypes.CheckPending {
			opts.Conclusion = &concl
		}
		_, resp, err := c.gh.Checks.CreateCheckRun(ctx, owner, repo, opts)
		return classify(resp, err)
	})
}

func headPullRef(n githubtypes.PullRequestNumber) string {
	return "refs/pull/" + strconv.Itoa(int(n)) + "/head"
}
