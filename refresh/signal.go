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
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/train"
)

// refreshChannel is the pub/sub stream downstream consumers subscribe to
// in order to re-enter the engine for a pull request. It lives on the same
// Redis instance the persistence adapter already talks to rather than a
// second broker for one narrow concern.
const refreshChannel = "merge-queue-refresh"

// SignalPublisher implements train.RefreshSignaler over a Redis pub/sub
// channel.
type SignalPublisher struct {
	Client *redis.Client
}

// EmitRefresh implements train.RefreshSignaler.
func (p *SignalPublisher) EmitRefresh(ctx context.Context, sig train.RefreshSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshaling refresh signal: %w", err)
	}
	return p.Client.Publish(ctx, refreshChannel, data).Err()
}

// Wakeup adapts the publisher into a WakeupFunc for
// DelayedRefreshScheduler, so a batch_max_wait_time deadline re-enters the
// engine the same way any other refresh signal would.
func (p *SignalPublisher) Wakeup(source string) WakeupFunc {
	return func(ctx context.Context, owner, repo string, pull githubtypes.PullRequestNumber) {
		_ = p.EmitRefresh(ctx, train.RefreshSignal{
			Owner: owner, Repo: repo,
			PullRequestNumber: pull,
			Action:            train.ActionInternal,
			Source:            source,
		})
	}
}
