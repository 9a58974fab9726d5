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

// Package refresh reloads every train of an installation and invokes
// Train.Refresh on each, tolerating repositories that have disappeared
// since their hash field was written. It also hosts the delayed wake-up
// scheduler and the refresh-signal publisher.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/rules"
	"github.com/clarketm/mergequeue/store"
	"github.com/clarketm/mergequeue/train"
)

// RepoResolver maps a repository id to its owner/name, or reports it gone.
type RepoResolver interface {
	ResolveRepo(ctx context.Context, repoID int64) (owner, repo string, found bool, err error)
}

// RulesProvider resolves a repository's queue configuration.
type RulesProvider interface {
	QueueRules(ctx context.Context, owner, repo string) (rules.QueueRules, error)
}

// DepthRecorder is an optional hook the orchestrator calls with each train's
// size right after a successful refresh (metrics.Observer implements it).
type DepthRecorder interface {
	SetTrainDepth(repo, ref string, depth int)
}

// Orchestrator refreshes every train of one installation. Distinct trains
// refresh independently and in parallel; within a train, every operation
// runs to completion, persistence included, before the next one starts.
type Orchestrator struct {
	Store   *store.Store
	Repos   RepoResolver
	RuleSet RulesProvider
	Deps    *train.Dependencies
	Depth   DepthRecorder
	Workers int
	Log     *logrus.Entry
}

// RefreshInstallation lists every (repo_id, ref) hash field under the
// installation's key, resolves each repo, and refreshes the train.
func (o *Orchestrator) RefreshInstallation(ctx context.Context, ownerID int64, now time.Time) error {
	keys, err := o.Store.Iterate(ctx, ownerID)
	if err != nil {
		return err
	}

	workers := o.Workers
	if workers < 1 {
		workers = 8
	}

	jobs := make(chan store.TrainKey)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range jobs {
				if err := o.refreshOne(ctx, ownerID, k, now); err != nil {
					o.logger().WithError(err).WithFields(logrus.Fields{
						"repo_id": k.RepoID, "ref": k.Ref,
					}).Error("train refresh failed")
				}
			}
		}()
	}
	for _, k := range keys {
		jobs <- k
	}
	close(jobs)
	wg.Wait()
	return nil
}

func (o *Orchestrator) refreshOne(ctx context.Context, ownerID int64, k store.TrainKey, now time.Time) error {
	owner, repo, found, err := o.Repos.ResolveRepo(ctx, k.RepoID)
	if err != nil {
		return err
	}
	if !found {
		return o.Store.Delete(ctx, ownerID, k.RepoID, k.Ref)
	}

	t, err := o.Store.Load(ctx, ownerID, owner, repo, k.RepoID, k.Ref)
	if err != nil {
		return err
	}

	qrules, err := o.RuleSet.QueueRules(ctx, owner, repo)
	if err != nil {
		return err
	}
	for _, r := range qrules {
		if err := r.Parse(); err != nil {
			return err
		}
	}

	// Refresh signals are held back until the new state is persisted, so a
	// consumer woken by one always reads the post-refresh document.
	buffered := &train.BufferedSignaler{Inner: o.Deps.Refresher}
	deps := *o.Deps
	deps.Refresher = buffered

	if err := t.Refresh(ctx, &deps, qrules, now); err != nil {
		return err
	}
	if err := o.Store.Save(ctx, ownerID, t); err != nil {
		return err
	}
	if err := buffered.Flush(ctx); err != nil {
		o.logger().WithError(err).WithFields(logrus.Fields{
			"repo_id": k.RepoID, "ref": k.Ref,
		}).Warn("emitting refresh signals failed")
	}
	if o.Depth != nil {
		o.Depth.SetTrainDepth(repo, string(k.Ref), len(t.Cars)+len(t.WaitingPulls))
	}
	return nil
}

func (o *Orchestrator) logger() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
