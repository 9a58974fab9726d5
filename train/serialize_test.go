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
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/queue"
	"github.com/clarketm/mergequeue/rules"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sha := githubtypes.SHA("deadbeef")
	tr := New("octo", "widgets", 7, "main")
	tr.CurrentBaseSHA = &sha
	tr.WaitingPulls = []queue.EmbarkedPull{{PullRequestNumber: 5, Config: cfg("default", 2000), QueuedAt: now}}
	car := newCar(makePulls(1, 2), nil, "base-sha", now, nil)
	car.CreationState = CarCreated
	car.ChecksConclusion = rules.ConclusionPending
	tr.Cars = []*Car{car}

	data, err := Serialize(tr)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	got, err := Deserialize("octo", "widgets", 7, "main", data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	if diff := deep.Equal(got.WaitingPulls, tr.WaitingPulls); diff != nil {
		t.Errorf("WaitingPulls diff: %v", diff)
	}
	if len(got.Cars) != 1 || len(got.Cars[0].InitialEmbarkedPulls) != 2 {
		t.Fatalf("Cars = %+v, want one car with two initial pulls", got.Cars)
	}
	if got.Cars[0].CreationState != CarCreated {
		t.Errorf("CreationState = %v, want %v", got.Cars[0].CreationState, CarCreated)
	}
	if got.CurrentBaseSHA == nil || *got.CurrentBaseSHA != sha {
		t.Errorf("CurrentBaseSHA = %v, want %v", got.CurrentBaseSHA, sha)
	}
}

func TestDeserializeAcceptsLegacySinglePullLayout(t *testing.T) {
	legacy := `{"cars":[{"pull":{"pull_request_number":9,"config":{"name":"default"},"queued_at":"2020-01-01T00:00:00Z"},"initial_base_sha":"abc","creation_state":"pending","checks_conclusion":"pending"}]}`

	got, err := Deserialize("octo", "widgets", 1, "main", []byte(legacy))
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if len(got.Cars) != 1 || len(got.Cars[0].InitialEmbarkedPulls) != 1 || got.Cars[0].InitialEmbarkedPulls[0].PullRequestNumber != 9 {
		t.Fatalf("Cars = %+v, want one car carrying legacy pull #9", got.Cars)
	}
	if len(got.Cars[0].StillQueuedEmbarkedPulls) != 1 {
		t.Errorf("StillQueuedEmbarkedPulls should default to a copy of the legacy initial pulls")
	}
}
