package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"flagdeck/internal/app"
	"flagdeck/internal/config"
	"flagdeck/internal/domain"
	"flagdeck/internal/engine/auth"
	"flagdeck/internal/events"
	"flagdeck/flags"
	"flagdeck/internal/instrument"
	"flagdeck/internal/prefs"
	"flagdeck/internal/repo"
)

// SettingDeveloperOptions is the settings key gating the flag toggler.
const SettingDeveloperOptions = "developer_options"

// ErrInvalidValue wraps override values that do not parse for the flag kind.
var ErrInvalidValue = errors.New("invalid value")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *flags.Registry
	Prefs    *prefs.Store
	Logger   log.Logger
	Writes   metrics.Counter
	Now      func() time.Time

	entries map[string]config.Entry
}

// Options tunes Open. Zero values are valid.
type Options struct {
	Logger log.Logger
	Reads  metrics.Counter
	Writes metrics.Counter
}

// Open loads persisted overrides and assembles the registry for cfg. The
// database must already be migrated.
func Open(ctx context.Context, db *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	writes := opts.Writes
	if writes == nil {
		writes = discard.NewCounter()
	}
	r := repo.Repo{DB: db}
	store := prefs.New(r, logger)
	if err := store.Refresh(ctx); err != nil {
		return Engine{}, err
	}
	reg, err := app.Assemble(cfg, instrument.New(store, opts.Reads, logger))
	if err != nil {
		return Engine{}, err
	}
	entries := make(map[string]config.Entry, len(cfg.Flags))
	for _, e := range cfg.Flags {
		entries[e.Name] = e
	}
	e := Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Registry: reg,
		Prefs:    store,
		Logger:   log.With(logger, "component", "engine"),
		Writes:   writes,
		Now:      time.Now,
		entries:  entries,
	}
	level.Info(e.Logger).Log("msg", "registry assembled", "flags", reg.Len(), "overrides", store.Len())
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.NewNopLogger()
}

func (e Engine) countWrite(op string) {
	if e.Writes != nil {
		e.Writes.With("op", op).Add(1)
	}
}

// Sync picks up overrides written by other processes sharing the database.
func (e Engine) Sync(ctx context.Context) error {
	reloaded, err := e.Prefs.Sync(ctx)
	if err != nil {
		return err
	}
	if reloaded {
		level.Debug(e.logger()).Log("msg", "overrides reloaded", "rev", e.Prefs.Revision(), "overrides", e.Prefs.Len())
	}
	return nil
}

// Watch calls Sync every interval until ctx is done. Sync errors are logged
// and the previous snapshot keeps serving.
func (e Engine) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sync(ctx); err != nil && ctx.Err() == nil {
				level.Warn(e.logger()).Log("msg", "override sync failed", "err", err)
			}
		}
	}
}

// ListFlags returns every flag in catalog order with its resolved value.
func (e Engine) ListFlags(ctx context.Context) ([]domain.FlagView, error) {
	if err := e.Sync(ctx); err != nil {
		return nil, err
	}
	all := e.Registry.All()
	out := make([]domain.FlagView, 0, len(all))
	for _, f := range all {
		out = append(out, e.view(f))
	}
	return out, nil
}

// GetFlag returns one flag view.
func (e Engine) GetFlag(ctx context.Context, name string) (domain.FlagView, error) {
	f, ok := e.Registry.Lookup(name)
	if !ok {
		return domain.FlagView{}, fmt.Errorf("flag %s: %w", name, repo.ErrNotFound)
	}
	if err := e.Sync(ctx); err != nil {
		return domain.FlagView{}, err
	}
	return e.view(f), nil
}

func (e Engine) view(f flags.Flag) domain.FlagView {
	v := domain.FlagView{
		ID:          f.ID(),
		Name:        f.Name(),
		Kind:        string(f.Kind()),
		Channel:     f.Channel().String(),
		Description: f.Description(),
		Default:     f.DefaultValue(),
		Value:       f.Value(),
	}
	if entry, ok := e.entries[f.Name()]; ok && !entry.IsInt() {
		v.State = entry.State
	}
	if o, ok := e.Prefs.Override(f.Name()); ok && o.Kind == v.Kind {
		v.Overridden = true
		v.OverriddenBy = o.ActorID
		v.OverriddenAt = o.UpdatedAt
	}
	return v
}

// Toggler reports whether developer overrides may currently be written.
func (e Engine) Toggler(ctx context.Context) (domain.Toggler, error) {
	devOpts, err := e.developerOptions(ctx)
	if err != nil {
		return domain.Toggler{}, err
	}
	t := domain.Toggler{
		DebugDevice:      e.Config.Build.DebugDevice,
		DeveloperOptions: devOpts,
		AllowRelease:     e.Config.Overrides.AllowRelease,
	}
	t.Visible = t.DebugDevice && t.DeveloperOptions
	return t, nil
}

func (e Engine) developerOptions(ctx context.Context) (bool, error) {
	raw, err := e.Repo.GetSetting(ctx, SettingDeveloperOptions)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return prefs.ParseBool(raw)
}

// SetDeveloperOptions persists the developer options preference.
func (e Engine) SetDeveloperOptions(ctx context.Context, enabled bool, actorID string) (domain.Toggler, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Toggler{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	value := strconv.FormatBool(enabled)
	if err := e.Repo.SetSettingTx(ctx, tx, SettingDeveloperOptions, value, now); err != nil {
		return domain.Toggler{}, fmt.Errorf("save setting: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.SettingChanged, "setting", SettingDeveloperOptions, actorOrDefault(actorID), events.EventPayload{"value": enabled}); err != nil {
		return domain.Toggler{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Toggler{}, err
	}
	level.Info(e.logger()).Log("msg", "developer options changed", "enabled", enabled, "actor", actorOrDefault(actorID))
	return e.Toggler(ctx)
}

// SetOverride persists a developer override for name. raw is parsed for the
// flag's kind.
func (e Engine) SetOverride(ctx context.Context, name, raw, actorID string) (domain.FlagView, error) {
	f, ok := e.Registry.Lookup(name)
	if !ok {
		return domain.FlagView{}, fmt.Errorf("flag %s: %w", name, repo.ErrNotFound)
	}
	if err := e.admit(ctx, f); err != nil {
		return domain.FlagView{}, err
	}
	value, err := prefs.Normalize(f.Kind(), raw)
	if err != nil {
		return domain.FlagView{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	actorID = actorOrDefault(actorID)
	o := domain.Override{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      string(f.Kind()),
		Value:     value,
		ActorID:   actorID,
		UpdatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlagView{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertOverrideTx(ctx, tx, o); err != nil {
		return domain.FlagView{}, fmt.Errorf("save override: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.OverrideSet, "flag", name, actorID, events.EventPayload{
		"override_id": o.ID,
		"kind":        o.Kind,
		"value":       o.Value,
		"default":     f.DefaultValue(),
	}); err != nil {
		return domain.FlagView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FlagView{}, err
	}
	if err := e.Prefs.Refresh(ctx); err != nil {
		return domain.FlagView{}, err
	}
	e.countWrite("set")
	level.Info(e.logger()).Log("msg", "override set", "flag", name, "value", value, "actor", actorID)
	return e.view(f), nil
}

// ClearOverride removes the override for name. Clearing is always allowed
// since it only restores the baked-in default.
func (e Engine) ClearOverride(ctx context.Context, name, actorID string) (domain.FlagView, error) {
	f, ok := e.Registry.Lookup(name)
	if !ok {
		return domain.FlagView{}, fmt.Errorf("flag %s: %w", name, repo.ErrNotFound)
	}
	actorID = actorOrDefault(actorID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlagView{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteOverrideTx(ctx, tx, name); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.FlagView{}, fmt.Errorf("override for %s: %w", name, repo.ErrNotFound)
		}
		return domain.FlagView{}, err
	}
	if err := e.Events.Append(ctx, tx, events.OverrideCleared, "flag", name, actorID, nil); err != nil {
		return domain.FlagView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FlagView{}, err
	}
	if err := e.Prefs.Refresh(ctx); err != nil {
		return domain.FlagView{}, err
	}
	e.countWrite("clear")
	level.Info(e.logger()).Log("msg", "override cleared", "flag", name, "actor", actorID)
	return e.view(f), nil
}

// ClearAll removes every override and returns how many were removed.
func (e Engine) ClearAll(ctx context.Context, actorID string) (int64, error) {
	actorID = actorOrDefault(actorID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.DeleteAllOverridesTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, events.OverridesCleared, "flag", "", actorID, events.EventPayload{"count": n}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := e.Prefs.Refresh(ctx); err != nil {
		return 0, err
	}
	e.countWrite("clear_all")
	level.Info(e.logger()).Log("msg", "overrides cleared", "count", n, "actor", actorID)
	return n, nil
}

func (e Engine) admit(ctx context.Context, f flags.Flag) error {
	t, err := e.Toggler(ctx)
	if err != nil {
		return err
	}
	if !t.Visible {
		return auth.TogglerHiddenError{DebugDevice: t.DebugDevice, DeveloperOptions: t.DeveloperOptions}
	}
	if f.Channel() == flags.Release && !t.AllowRelease {
		return auth.ReleaseOverrideError{Name: f.Name()}
	}
	return nil
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "local-user"
	}
	return actorID
}
