// Package bootstrap loads one-time initial data through the normal
// writer path. There is no fast path: bootstrap creates are validated
// and logged like any other write.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"modelstore/internal/engine"
	"modelstore/internal/model"
)

// Load reads a JSON file of the form {"collection/id": {field: value}}
// and commits it as a single all-or-nothing write request. It is a no-op
// when the datastore has already seen any write.
func Load(ctx context.Context, w *engine.Writer, highest model.Position, path string, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	if highest > 0 {
		logger.Info("skipping bootstrap, datastore not empty",
			zap.Int64("highest_position", int64(highest)))
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bootstrap file %s: %w", path, err)
	}
	var instances map[model.Fqid]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &instances); err != nil {
		return fmt.Errorf("bootstrap file %s: %w", path, err)
	}
	if len(instances) == 0 {
		return nil
	}

	fqids := make([]model.Fqid, 0, len(instances))
	for fqid := range instances {
		fqids = append(fqids, fqid)
	}
	sort.Slice(fqids, func(i, j int) bool { return fqids[i] < fqids[j] })

	req := model.WriteRequest{Mutations: make([]model.Mutation, 0, len(fqids))}
	for _, fqid := range fqids {
		req.Mutations = append(req.Mutations, model.Mutation{
			Kind:   model.MutationCreate,
			Fqid:   fqid,
			Fields: instances[fqid],
		})
	}

	pos, err := w.Commit(ctx, req)
	if err != nil {
		return fmt.Errorf("bootstrap commit: %w", err)
	}
	logger.Info("bootstrap data loaded",
		zap.Int("instances", len(fqids)),
		zap.Int64("position", int64(pos)))
	return nil
}
