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

// Package metrics exposes the engine's operational counters against a
// dedicated prometheus.Registry rather than the global default one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the train emits as it drives cars
// through their lifecycle. Callers wire one instance per process and pass
// it down through train.Dependencies-adjacent plumbing (the core itself
// stays metrics-free; only the surrounding wiring observes it).
type Metrics struct {
	CarsCreated *prometheus.CounterVec
	CarsFailed  *prometheus.CounterVec
	CarsSplit   *prometheus.CounterVec
	PullsMerged *prometheus.CounterVec
	TrainDepth  *prometheus.GaugeVec
	RefreshTime *prometheus.HistogramVec
}

// New builds and registers a fresh Metrics instance against registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CarsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mergequeue_cars_created_total",
			Help: "Train cars that started checking, by queue.",
		}, []string{"repo", "queue"}),
		CarsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mergequeue_cars_failed_total",
			Help: "Train cars whose creation or checks concluded failure, by queue.",
		}, []string{"repo", "queue"}),
		CarsSplit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mergequeue_cars_split_total",
			Help: "Failed batches bisected into smaller cars, by queue.",
		}, []string{"repo", "queue"}),
		PullsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mergequeue_pulls_merged_total",
			Help: "Pull requests removed from a train via the head-merge fast path, by queue.",
		}, []string{"repo", "queue"}),
		TrainDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mergequeue_train_depth",
			Help: "Cars plus waiting pulls currently tracked per train.",
		}, []string{"repo", "ref"}),
		RefreshTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mergequeue_refresh_duration_seconds",
			Help:    "Wall time of one installation-wide refresh pass (repo label \"all\").",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo"}),
	}
	registry.MustRegister(m.CarsCreated, m.CarsFailed, m.CarsSplit, m.PullsMerged, m.TrainDepth, m.RefreshTime)
	return m
}

// Observer adapts a Metrics instance to train.Observer, so the core never
// imports prometheus directly and a caller that doesn't care about metrics
// can simply leave train.Dependencies.Observer nil.
type Observer struct {
	M *Metrics
}

func (o Observer) CarCreated(repo, queue string) { o.M.CarsCreated.WithLabelValues(repo, queue).Inc() }
func (o Observer) CarFailed(repo, queue string)  { o.M.CarsFailed.WithLabelValues(repo, queue).Inc() }
func (o Observer) CarSplit(repo, queue string)   { o.M.CarsSplit.WithLabelValues(repo, queue).Inc() }
func (o Observer) PullMerged(repo, queue string) {
	o.M.PullsMerged.WithLabelValues(repo, queue).Inc()
}

// SetTrainDepth records the current size of one train (cars plus waiting
// pulls), called by the refresh orchestrator after each successful refresh.
func (o Observer) SetTrainDepth(repo, ref string, depth int) {
	o.M.TrainDepth.WithLabelValues(repo, ref).Set(float64(depth))
}
