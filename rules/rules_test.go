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

package rules

import (
	"testing"
	"time"
)

func TestQueueRuleParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"defaults to two minutes", "", 2 * time.Minute, false},
		{"explicit duration", "90s", 90 * time.Second, false},
		{"invalid", "soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &QueueRule{Name: "default", BatchMaxWaitTimeString: tt.raw}
			err := r.Parse()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && r.BatchMaxWaitTime != tt.want {
				t.Errorf("BatchMaxWaitTime = %v, want %v", r.BatchMaxWaitTime, tt.want)
			}
		})
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		priority int
		want     string
	}{
		{int(PriorityLow), "low"},
		{int(PriorityMedium), "medium"},
		{int(PriorityHigh), "high"},
		{1500, "1500"},
	}
	for _, tt := range tests {
		if got := Name(tt.priority); got != tt.want {
			t.Errorf("Name(%d) = %q, want %q", tt.priority, got, tt.want)
		}
	}
}
