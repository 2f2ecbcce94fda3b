package app

import (
	"fmt"
	"strings"

	"flagdeck/internal/config"
	"flagdeck/flags"
)

// ResolveConfig loads the catalog from an explicit path, else from the
// workspace, else falls back to the built-in launcher catalog.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if p := strings.TrimSpace(path); p != "" {
		cfg, err := config.FromFile(p)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", p, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// DefaultFor resolves a catalog entry's declared state into the plain boolean
// default for this build. Teamfood only counts on debug devices.
func DefaultFor(cfg *config.Config, e config.Entry) (bool, error) {
	state, err := config.ParseState(e.State)
	if err != nil {
		return false, fmt.Errorf("flag %s: %w", e.Name, err)
	}
	return state.Resolve(cfg.Build.DebugDevice && cfg.Build.Teamfood), nil
}

// Assemble builds the registry for cfg, answering reads from src.
func Assemble(cfg *config.Config, src flags.Source) (*flags.Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	b := flags.NewBuilder()
	for _, e := range cfg.Flags {
		channel := flags.Debug
		if e.Channel == config.ChannelRelease {
			channel = flags.Release
		}
		if e.IsInt() {
			b.Int(flags.IntDef{ID: e.ID, Name: e.Name, Default: e.Default, Description: e.Description, Channel: channel})
			continue
		}
		def, err := DefaultFor(cfg, e)
		if err != nil {
			return nil, err
		}
		b.Bool(flags.BoolDef{ID: e.ID, Name: e.Name, Default: def, Description: e.Description, Channel: channel})
	}
	reg, err := b.Build(flags.WithSource(src))
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return reg, nil
}
