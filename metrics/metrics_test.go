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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserverIncrementsUnderlyingCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	o := Observer{M: m}

	o.CarCreated("octo/widgets", "default")
	o.CarCreated("octo/widgets", "default")
	o.CarFailed("octo/widgets", "default")
	o.CarSplit("octo/widgets", "default")
	o.PullMerged("octo/widgets", "default")

	if got := counterValue(t, m.CarsCreated.WithLabelValues("octo/widgets", "default")); got != 2 {
		t.Errorf("CarsCreated = %v, want 2", got)
	}
	if got := counterValue(t, m.CarsFailed.WithLabelValues("octo/widgets", "default")); got != 1 {
		t.Errorf("CarsFailed = %v, want 1", got)
	}
	if got := counterValue(t, m.CarsSplit.WithLabelValues("octo/widgets", "default")); got != 1 {
		t.Errorf("CarsSplit = %v, want 1", got)
	}
	if got := counterValue(t, m.PullsMerged.WithLabelValues("octo/widgets", "default")); got != 1 {
		t.Errorf("PullsMerged = %v, want 1", got)
	}
}

func TestObserverSetTrainDepth(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	o := Observer{M: m}

	o.SetTrainDepth("octo/widgets", "main", 5)

	var metric dto.Metric
	if err := m.TrainDepth.WithLabelValues("octo/widgets", "main").Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 5 {
		t.Errorf("TrainDepth = %v, want 5", got)
	}
}
