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

// Package store persists trains: it serializes/deserializes each one to a
// Redis hash field under its installation's key and iterates every train
// of an installation for the refresh orchestrator.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/clarketm/mergequeue/githubtypes"
	"github.com/clarketm/mergequeue/train"
)

// Store is the Redis-backed blob store keyed by installation and
// (repo_id, branch_ref).
type Store struct {
	client *redis.Client
}

// New wraps an existing go-redis client. The client's lifecycle (pooling,
// TLS, auth) is the caller's concern, same as every other store in this
// family of controllers that takes a pre-built client rather than opening
// its own connection.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func hashKey(ownerID int64) string {
	return fmt.Sprintf("merge-trains~%d", ownerID)
}

func hashField(repoID int64, ref githubtypes.RefType) string {
	return fmt.Sprintf("%d~%s", repoID, ref)
}

func splitHashField(field string) (int64, githubtypes.RefType, bool) {
	idx := strings.IndexByte(field, '~')
	if idx < 0 {
		return 0, "", false
	}
	repoID, err := strconv.ParseInt(field[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return repoID, githubtypes.RefType(field[idx+1:]), true
}

// Load fetches and deserializes a train, returning a fresh empty train
// (never persisted yet) when no hash field exists; trains are created
// lazily on first AddPull.
func (s *Store) Load(ctx context.Context, ownerID int64, owner, repo string, repoID int64, ref githubtypes.RefType) (*train.Train, error) {
	data, err := s.client.HGet(ctx, hashKey(ownerID), hashField(repoID, ref)).Bytes()
	if err == redis.Nil {
		return train.New(owner, repo, repoID, ref), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading train %s/%s@%s: %w", owner, repo, ref, err)
	}
	t, err := train.Deserialize(owner, repo, repoID, ref, data)
	if err != nil {
		return nil, fmt.Errorf("deserializing train %s/%s@%s: %w", owner, repo, ref, err)
	}
	return t, nil
}

// Save persists t, or erases its hash field entirely once both its car
// list and waiting list are empty.
func (s *Store) Save(ctx context.Context, ownerID int64, t *train.Train) error {
	if t.Empty() {
		return s.Delete(ctx, ownerID, t.RepoID, t.Ref)
	}
	data, err := train.Serialize(t)
	if err != nil {
		return fmt.Errorf("serializing train %s/%s@%s: %w", t.Owner, t.Repo, t.Ref, err)
	}
	return s.client.HSet(ctx, hashKey(ownerID), hashField(t.RepoID, t.Ref), data).Err()
}

// Delete removes one train's hash field.
func (s *Store) Delete(ctx context.Context, ownerID, repoID int64, ref githubtypes.RefType) error {
	return s.client.HDel(ctx, hashKey(ownerID), hashField(repoID, ref)).Err()
}

// TrainKey identifies one train within an installation, returned by Iterate
// so the refresh orchestrator can resolve and load each one in turn.
type TrainKey struct {
	RepoID int64
	Ref    githubtypes.RefType
}

// Iterate lists every (repo_id, ref) hash field under the installation's
// key, via HScan cursor iteration rather than blocking the server on a
// single HGETALL of a long-lived hash.
func (s *Store) Iterate(ctx context.Context, ownerID int64) ([]TrainKey, error) {
	var keys []TrainKey
	var cursor uint64
	key := hashKey(ownerID)
	for {
		fields, next, err := s.client.HScan(ctx, key, cursor, "", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", key, err)
		}
		for i := 0; i+1 < len(fields); i += 2 {
			if repoID, ref, ok := splitHashField(fields[i]); ok {
				keys = append(keys, TrainKey{RepoID: repoID, Ref: ref})
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
