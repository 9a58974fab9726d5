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
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/clarketm/mergequeue/githubtypes"
)

// once is a cron.Schedule that fires exactly once. cron.v2 only models
// recurring schedules natively, so a single-shot wake-up is a schedule
// whose second Next() lands in the far future.
type once struct {
	at    time.Time
	fired bool
}

func (o *once) Next(now time.Time) time.Time {
	if o.fired {
		return now.Add(100 * 365 * 24 * time.Hour)
	}
	o.fired = true
	return o.at
}

// WakeupFunc re-enters the engine for one pull request, the same way an
// externally delivered refresh signal would.
type WakeupFunc func(ctx context.Context, owner, repo string, pull githubtypes.PullRequestNumber)

// DelayedRefreshScheduler implements train.DelayedScheduler on top of
// cron.v2, driving one-off wake-ups instead of a recurring schedule. It
// de-dupes in-flight wake-ups per (owner, repo, pull) so a batch that keeps
// growing doesn't pile up redundant timers.
type DelayedRefreshScheduler struct {
	cron *cron.Cron
	wake WakeupFunc
	log  *logrus.Entry

	mu      sync.Mutex
	pending map[string]cron.EntryID
}

func NewDelayedRefreshScheduler(wake WakeupFunc, log *logrus.Entry) *DelayedRefreshScheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &DelayedRefreshScheduler{
		cron:    cron.New(),
		wake:    wake,
		log:     log,
		pending: map[string]cron.EntryID{},
	}
	s.cron.Start()
	return s
}

func (s *DelayedRefreshScheduler) Stop() {
	s.cron.Stop()
}

func wakeupKey(owner, repo string, pull githubtypes.PullRequestNumber) string {
	return owner + "/" + repo + "#" + strconv.Itoa(int(pull))
}

// PlanRefreshAtLeastAt schedules a single wake-up no later than at. A
// later call for the same pull replaces any earlier-registered entry
// rather than stacking another timer.
func (s *DelayedRefreshScheduler) PlanRefreshAtLeastAt(ctx context.Context, owner, repo string, pull githubtypes.PullRequestNumber, at time.Time) error {
	key := wakeupKey(owner, repo, pull)

	s.mu.Lock()
	if id, ok := s.pending[key]; ok {
		s.cron.Remove(id)
	}
	id := s.cron.Schedule(&once{at: at}, cron.FuncJob(func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		s.wake(ctx, owner, repo, pull)
	}))
	s.pending[key] = id
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"owner": owner, "repo": repo, "pull": pull, "at": at}).Debug("planned delayed refresh")
	return nil
}
