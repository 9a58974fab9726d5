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

// Package queue holds the value records admitted to a merge train: an
// EmbarkedPull and the queue config snapshot it carries.
package queue

import (
	"time"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/rules"
)

// PullQueueConfig is the queue configuration snapshot a pull request carries
// once admitted, combining the caller-supplied priority/queue-name with the
// policy flags the resolved QueueRule would apply.
type PullQueueConfig struct {
	Name              string
	Priority          int
	EffectivePriority int
	UpdateMethod      rules.UpdateMethod
	UpdateBotAccount  string
}

// EmbarkedPull is a pull request admitted to the train, immutable once
// created except by dequeue.
type EmbarkedPull struct {
	PullRequestNumber githubtypes.PullRequestNumber
	Config            PullQueueConfig
	QueuedAt          time.Time
}
