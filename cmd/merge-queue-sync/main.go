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

// Command merge-queue-sync is the process that periodically drives every
// train of an installation forward: it loads queue configuration, opens a
// Redis connection for the persistence adapter, builds a HostAPI client,
// and loops the refresh orchestrator on a timer.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/engineconfig"
	"github.com/clarketm/mergequeue/hostapi"
	"github.com/clarketm/mergequeue/metrics"
	"github.com/clarketm/mergequeue/refresh"
	"github.com/clarketm/mergequeue/ruleeval"
	"github.com/clarketm/mergequeue/store"
	"github.com/clarketm/mergequeue/train"
)

type options struct {
	configPath       string
	redisAddr        string
	hostToken        string
	installationID   int64
	integrationAppID int64
	syncPeriod       time.Duration
	metricsBindAddr  string
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.configPath, "config-path", "", "Path to the queue configuration YAML file.")
	fs.StringVar(&o.redisAddr, "redis-addr", "localhost:6379", "Address of the Redis instance backing the persistence adapter.")
	fs.StringVar(&o.hostToken, "host-token", "", "OAuth token used to authenticate against the hosting platform.")
	fs.Int64Var(&o.installationID, "installation-id", 0, "Installation owner id whose trains this process refreshes.")
	fs.Int64Var(&o.integrationAppID, "integration-app-id", 0, "This engine's own app id, so its check runs are excluded from snapshots.")
	fs.DurationVar(&o.syncPeriod, "sync-period", 30*time.Second, "How often to refresh every train of the installation.")
	fs.StringVar(&o.metricsBindAddr, "metrics-bind-addr", ":9090", "Address to serve /metrics on.")
	if err := fs.Parse(args); err != nil {
		logrus.WithError(err).Fatal("cannot parse args")
	}
	return o
}

func (o *options) Validate() error {
	if o.configPath == "" {
		return errors.New("--config-path is required")
	}
	if o.hostToken == "" {
		return errors.New("--host-token is required")
	}
	if o.installationID == 0 {
		return errors.New("--installation-id is required")
	}
	return nil
}

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "merge-queue-sync")

	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.Validate(); err != nil {
		log.WithError(err).Fatal("invalid options")
	}

	cfg, err := engineconfig.Load(o.configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx := context.Background()
	redisClient := redis.NewClient(&redis.Options{Addr: o.redisAddr})
	blobStore := store.New(redisClient)

	host := hostapi.NewClient(ctx, o.hostToken)
	host.IntegrationAppID = o.integrationAppID
	signals := &refresh.SignalPublisher{Client: redisClient}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}), prometheus.NewGoCollector())
	metricsSet := metrics.New(registry)

	observer := metrics.Observer{M: metricsSet}

	deps := &train.Dependencies{
		Host:      host,
		Evaluator: &ruleeval.Evaluator{Host: host},
		Refresher: signals,
		Delayed:   refresh.NewDelayedRefreshScheduler(signals.Wakeup("batch_max_wait_time elapsed"), log),
		Observer:  observer,
		Log:       log,
	}

	orchestrator := &refresh.Orchestrator{
		Store:   blobStore,
		Repos:   cfg,
		RuleSet: cfg,
		Deps:    deps,
		Depth:   observer,
		Log:     log,
	}

	go serveMetrics(o.metricsBindAddr, registry, log)

	ticker := time.NewTicker(o.syncPeriod)
	defer ticker.Stop()
	for {
		start := time.Now()
		if err := orchestrator.RefreshInstallation(ctx, o.installationID, start); err != nil {
			log.WithError(err).Error("installation refresh failed")
		}
		metricsSet.RefreshTime.WithLabelValues("all").Observe(time.Since(start).Seconds())
		<-ticker.C
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics server exited")
	}
}
