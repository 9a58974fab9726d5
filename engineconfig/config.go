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

// Package engineconfig loads the YAML file naming an installation's
// repositories and named queues.
package engineconfig

import (
	"context"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/clarketm/mergequeue/rules"
)

// Repo names one repository tracked by this installation, and the id the
// persistence adapter's hash field keys off of.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	ID    int64  `json:"id"`
}

// document is the on-disk YAML shape.
type document struct {
	Repos  []Repo                      `json:"repos"`
	Queues map[string]*rules.QueueRule `json:"queues"`
}

// Config is the loaded, ready-to-use configuration: every queue rule has
// already had Parse called, and repositories are indexed by id for the
// refresh orchestrator's RepoResolver contract.
type Config struct {
	repos  []Repo
	byID   map[int64]Repo
	queues rules.QueueRules
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	byID := make(map[int64]Repo, len(doc.Repos))
	for _, r := range doc.Repos {
		byID[r.ID] = r
	}

	for name, rule := range doc.Queues {
		rule.Name = name
		if err := rule.Parse(); err != nil {
			return nil, fmt.Errorf("queue %q: %w", name, err)
		}
	}

	return &Config{repos: doc.Repos, byID: byID, queues: doc.Queues}, nil
}

// ResolveRepo implements refresh.RepoResolver.
func (c *Config) ResolveRepo(_ context.Context, repoID int64) (string, string, bool, error) {
	r, ok := c.byID[repoID]
	if !ok {
		return "", "", false, nil
	}
	return r.Owner, r.Name, true, nil
}

// QueueRules implements refresh.RulesProvider. Every repository in this
// installation currently shares one queue set; a multi-tenant deployment
// would key doc.Queues per repo instead.
func (c *Config) QueueRules(_ context.Context, _, _ string) (rules.QueueRules, error) {
	return c.queues, nil
}
