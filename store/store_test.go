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

package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/queue"
	"github.com/clarketm/mergequeue/rules"
	"github.com/clarketm/mergequeue/train"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestLoadCreatesEmptyTrainWhenMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, err := s.Load(ctx, 1, "octo", "widgets", 42, "main")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !tr.Empty() {
		t.Error("a never-persisted train should be empty")
	}
	if tr.Owner != "octo" || tr.Repo != "widgets" || tr.RepoID != 42 || tr.Ref != "main" {
		t.Errorf("Load() returned train with wrong identity: %+v", tr)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := train.New("octo", "widgets", 42, "main")
	deps := &train.Dependencies{}
	cfg := queue.PullQueueConfig{Name: "default", Priority: 2000, EffectivePriority: 2000, UpdateMethod: rules.UpdateMerge}
	if err := tr.AddPull(ctx, deps, nil, githubtypes.PullRequestNumber(7), cfg, nil, time.Now()); err != nil {
		t.Fatalf("AddPull() error = %v", err)
	}

	if err := s.Save(ctx, 1, tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := s.Load(ctx, 1, "octo", "widgets", 42, "main")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reloaded.WaitingPulls) != 1 || reloaded.WaitingPulls[0].PullRequestNumber != 7 {
		t.Errorf("reloaded train waiting pulls = %+v, want one pull #7", reloaded.WaitingPulls)
	}
}

func TestSaveDeletesOnceEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := train.New("octo", "widgets", 42, "main")
	if err := s.Save(ctx, 1, tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	keys, err := s.Iterate(ctx, 1)
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("an empty train must not leave a hash field behind, got %+v", keys)
	}
}

func TestIterateListsEveryField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deps := &train.Dependencies{}
	cfg := queue.PullQueueConfig{Name: "default", EffectivePriority: 2000}

	for i, ref := range []githubtypes.RefType{"main", "release-1.0"} {
		tr := train.New("octo", "widgets", int64(100+i), ref)
		if err := tr.AddPull(ctx, deps, nil, githubtypes.PullRequestNumber(i+1), cfg, nil, time.Now()); err != nil {
			t.Fatalf("AddPull() error = %v", err)
		}
		if err := s.Save(ctx, 9, tr); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	keys, err := s.Iterate(ctx, 9)
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].RepoID < keys[j].RepoID })
	if len(keys) != 2 || keys[0].RepoID != 100 || keys[1].RepoID != 101 {
		t.Errorf("Iterate() = %+v, want repo ids 100 and 101", keys)
	}
}
