package app

import (
	"context"
	"fmt"

	"flowline/internal/config"
	"flowline/internal/repo"
)

// LoadAndSeed reads flowline.yml from the workspace (if present) and mirrors
// its project definitions and secret grants into the database. The DB copy is
// what enqueue and the secret gateway consult at runtime; rerunning is
// idempotent and picks up config edits.
func LoadAndSeed(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &config.Config{}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	for name, p := range cfg.Projects {
		if err := r.UpsertProject(ctx, name, p); err != nil {
			return nil, fmt.Errorf("seed project %s: %w", name, err)
		}
	}
	for _, g := range cfg.Grants {
		if err := r.GrantSecretRead(ctx, g.Project, g.Owner); err != nil {
			return nil, fmt.Errorf("seed grant %s/%s: %w", g.Project, g.Owner, err)
		}
	}
	return cfg, nil
}
