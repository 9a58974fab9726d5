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

package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/queue"
	"github.com/clarketm/mergequeue/rules"
	"github.com/clarketm/mergequeue/store"
	"github.com/clarketm/mergequeue/train"
)

type staticResolver struct {
	repos map[int64][2]string
}

func (r *staticResolver) ResolveRepo(_ context.Context, repoID int64) (string, string, bool, error) {
	repo, ok := r.repos[repoID]
	if !ok {
		return "", "", false, nil
	}
	return repo[0], repo[1], true, nil
}

type staticRules struct {
	rules rules.QueueRules
}

func (r *staticRules) QueueRules(context.Context, string, string) (rules.QueueRules, error) {
	return r.rules, nil
}

type depthRecorder struct {
	depths map[string]int
}

func (d *depthRecorder) SetTrainDepth(repo, ref string, depth int) {
	if d.depths == nil {
		d.depths = map[string]int{}
	}
	d.depths[repo+"@"+ref] = depth
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.New(client)
}

func seedTrain(t *testing.T, s *store.Store, ownerID, repoID int64, owner, repo string, ref githubtypes.RefType, pull githubtypes.PullRequestNumber, queueName string) {
	t.Helper()
	tr := train.New(owner, repo, repoID, ref)
	cfg := queue.PullQueueConfig{Name: queueName, Priority: 2000, EffectivePriority: 2000}
	if err := tr.AddPull(context.Background(), &train.Dependencies{}, nil, pull, cfg, nil, time.Now()); err != nil {
		t.Fatalf("AddPull() error = %v", err)
	}
	if err := s.Save(context.Background(), ownerID, tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestRefreshInstallationKeepsUnlaunchableTrain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrain(t, s, 1, 42, "octo", "widgets", "main", 7, "gone")

	depth := &depthRecorder{}
	o := &Orchestrator{
		Store: s,
		Repos: &staticResolver{repos: map[int64][2]string{42: {"octo", "widgets"}}},
		// The pull's queue is not configured, so the refresh leaves it
		// waiting instead of building a car.
		RuleSet: &staticRules{rules: rules.QueueRules{}},
		Deps:    &train.Dependencies{},
		Depth:   depth,
	}

	if err := o.RefreshInstallation(ctx, 1, time.Now()); err != nil {
		t.Fatalf("RefreshInstallation() error = %v", err)
	}

	reloaded, err := s.Load(ctx, 1, "octo", "widgets", 42, "main")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reloaded.WaitingPulls) != 1 || reloaded.WaitingPulls[0].PullRequestNumber != 7 {
		t.Errorf("waiting pulls after refresh = %+v, want pull #7 kept", reloaded.WaitingPulls)
	}
	if got := depth.depths["widgets@main"]; got != 1 {
		t.Errorf("recorded depth = %d, want 1", got)
	}
}

func TestRefreshInstallationDropsVanishedRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrain(t, s, 1, 42, "octo", "widgets", "main", 7, "default")

	o := &Orchestrator{
		Store:   s,
		Repos:   &staticResolver{repos: map[int64][2]string{}},
		RuleSet: &staticRules{rules: rules.QueueRules{}},
		Deps:    &train.Dependencies{},
	}

	if err := o.RefreshInstallation(ctx, 1, time.Now()); err != nil {
		t.Fatalf("RefreshInstallation() error = %v", err)
	}

	keys, err := s.Iterate(ctx, 1)
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("a vanished repository must drop its hash field, got %+v", keys)
	}
}
