package app

import (
	"context"
	"errors"
	"fmt"

	"fleetcheck/internal/config"
	"fleetcheck/internal/repo"
)

const defaultFleetID = "fleet-local"

// ResolveFleetConfig picks the active fleet and ensures its config exists in
// the DB, seeding defaults if missing. The override wins, then the fleet id
// from fleetcheck.yml, then the local default. A fleetcheck.yml next to the
// workspace seeds the stored config on first use; after that the DB copy is
// authoritative and changed via explicit import.
func ResolveFleetConfig(ctx context.Context, workspace, fleetOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	fleetID := fleetOverride
	if fleetID == "" && fileCfg != nil {
		fleetID = fileCfg.Fleet.ID
	}
	if fleetID == "" {
		fleetID = defaultFleetID
	}
	cfg, err := r.GetFleetConfig(ctx, fleetID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := fileCfg
		if seed == nil || seed.Fleet.ID != fleetID {
			seed = config.Default(fleetID)
		}
		if err := r.UpsertFleetConfig(ctx, fleetID, seed); err != nil {
			return "", nil, fmt.Errorf("seed fleet config: %w", err)
		}
		cfg = seed
	}
	cfg.Fleet.ID = fleetID
	return fleetID, cfg, nil
}
