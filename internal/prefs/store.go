// Package prefs serves persisted developer overrides as a flags.Source.
// Reads are answered from an in-memory snapshot; Refresh reloads it from the
// database and swaps it in atomically. Sync reloads only when another writer
// has touched the overrides table since the last load.
package prefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"flagdeck/internal/domain"
	"flagdeck/flags"
	"flagdeck/internal/repo"
)

// Namespace is the preference namespace developer overrides live under.
const Namespace = "featureFlags"

type snapshot struct {
	bools map[string]bool
	ints  map[string]int
	rows  map[string]domain.Override
	rev   int64
}

var emptySnapshot = &snapshot{
	bools: map[string]bool{},
	ints:  map[string]int{},
	rows:  map[string]domain.Override{},
}

// Store is a flags.Source backed by the overrides table.
type Store struct {
	Repo   repo.Repo
	Logger log.Logger

	snap atomic.Pointer[snapshot]
}

var _ flags.Source = (*Store)(nil)

// New returns a Store with an empty snapshot. Call Refresh to load it.
func New(r repo.Repo, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{Repo: r, Logger: log.With(logger, "component", "prefs", "namespace", Namespace)}
	s.snap.Store(emptySnapshot)
	return s
}

// Refresh reloads overrides from the database. Rows whose value does not
// parse for their kind are skipped and logged.
func (s *Store) Refresh(ctx context.Context) error {
	rev, err := s.Repo.OverridesRevision(ctx)
	if err != nil {
		return fmt.Errorf("read overrides revision: %w", err)
	}
	rows, err := s.Repo.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	next := &snapshot{
		bools: make(map[string]bool),
		ints:  make(map[string]int),
		rows:  make(map[string]domain.Override, len(rows)),
		rev:   rev,
	}
	for _, o := range rows {
		switch o.Kind {
		case string(flags.KindBool):
			v, err := ParseBool(o.Value)
			if err != nil {
				level.Warn(s.logger()).Log("msg", "skipping override", "flag", o.Name, "err", err)
				continue
			}
			next.bools[o.Name] = v
		case string(flags.KindInt):
			v, err := ParseInt(o.Value)
			if err != nil {
				level.Warn(s.logger()).Log("msg", "skipping override", "flag", o.Name, "err", err)
				continue
			}
			next.ints[o.Name] = v
		default:
			level.Warn(s.logger()).Log("msg", "skipping override", "flag", o.Name, "kind", o.Kind)
			continue
		}
		next.rows[o.Name] = o
	}
	s.snap.Store(next)
	level.Debug(s.logger()).Log("msg", "overrides refreshed", "count", len(next.rows), "rev", rev)
	return nil
}

// Sync refreshes the snapshot if the overrides revision moved since it was
// loaded. It reports whether a reload happened.
func (s *Store) Sync(ctx context.Context) (bool, error) {
	rev, err := s.Repo.OverridesRevision(ctx)
	if err != nil {
		return false, fmt.Errorf("read overrides revision: %w", err)
	}
	if s.snap.Load() != nil && rev == s.load().rev {
		return false, nil
	}
	return true, s.Refresh(ctx)
}

// Revision returns the overrides revision the current snapshot was loaded at.
func (s *Store) Revision() int64 { return s.load().rev }

func (s *Store) logger() log.Logger {
	if s.Logger == nil {
		return log.NewNopLogger()
	}
	return s.Logger
}

func (s *Store) load() *snapshot {
	if p := s.snap.Load(); p != nil {
		return p
	}
	return emptySnapshot
}

func (s *Store) Bool(f *flags.BoolFlag) bool {
	if v, ok := s.load().bools[f.Name()]; ok {
		return v
	}
	return f.Default()
}

func (s *Store) Int(f *flags.IntFlag) int {
	if v, ok := s.load().ints[f.Name()]; ok {
		return v
	}
	return f.Default()
}

// Override returns the persisted override row for name, if one is active.
func (s *Store) Override(name string) (domain.Override, bool) {
	o, ok := s.load().rows[name]
	return o, ok
}

// Len returns the number of active overrides.
func (s *Store) Len() int { return len(s.load().rows) }

// ParseBool accepts true/false, 1/0, on/off and yes/no.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "on", "yes":
		return true, nil
	case "false", "0", "off", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

// ParseInt accepts a base-10 integer.
func ParseInt(raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	return v, nil
}

// Normalize parses raw for kind and returns its canonical string form.
func Normalize(kind flags.Kind, raw string) (string, error) {
	switch kind {
	case flags.KindBool:
		v, err := ParseBool(raw)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(v), nil
	case flags.KindInt:
		v, err := ParseInt(raw)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("unknown flag kind %q", kind)
	}
}
