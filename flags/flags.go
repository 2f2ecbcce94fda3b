// Package flags implements a typed feature-flag registry. Definitions are
// immutable once built; their current values are answered by a pluggable
// Source that can be swapped per registry without touching the definitions.
package flags

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Channel classifies which build channel a flag is intended for.
type Channel int

const (
	// Debug flags are only meant to be toggled on debug builds.
	Debug Channel = iota
	// Release flags may ship enabled on release builds.
	Release
)

func (c Channel) String() string {
	switch c {
	case Debug:
		return "debug"
	case Release:
		return "release"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Kind is the value type of a flag.
type Kind string

const (
	KindBool Kind = "bool"
	KindInt  Kind = "int"
)

// Flag is the metadata common to every flag handle.
type Flag interface {
	ID() int64
	Name() string
	Description() string
	Channel() Channel
	Kind() Kind
	// Value returns the current value as bool or int.
	Value() any
	// DefaultValue returns the baked-in default as bool or int.
	DefaultValue() any
}

type meta struct {
	id          int64
	name        string
	description string
	channel     Channel
	reg         *Registry
}

func (m *meta) ID() int64           { return m.id }
func (m *meta) Name() string        { return m.name }
func (m *meta) Description() string { return m.description }
func (m *meta) Channel() Channel    { return m.channel }

// BoolFlag is a boolean flag handle.
type BoolFlag struct {
	meta
	def bool
}

func (f *BoolFlag) Kind() Kind        { return KindBool }
func (f *BoolFlag) Default() bool     { return f.def }
func (f *BoolFlag) DefaultValue() any { return f.def }
func (f *BoolFlag) Value() any        { return f.Get() }

// Get returns the flag's current value from the registry's resolver.
func (f *BoolFlag) Get() bool {
	if f.reg == nil {
		return f.def
	}
	return (*f.reg.boolFn.Load())(f)
}

func (f *BoolFlag) String() string { return f.name }

// IntFlag is an integer flag handle.
type IntFlag struct {
	meta
	def int
}

func (f *IntFlag) Kind() Kind        { return KindInt }
func (f *IntFlag) Default() int      { return f.def }
func (f *IntFlag) DefaultValue() any { return f.def }
func (f *IntFlag) Value() any        { return f.Get() }

// Get returns the flag's current value from the registry's resolver.
func (f *IntFlag) Get() int {
	if f.reg == nil {
		return f.def
	}
	return (*f.reg.intFn.Load())(f)
}

func (f *IntFlag) String() string { return f.name }

// BoolDef describes a boolean flag to define.
type BoolDef struct {
	ID          int64
	Name        string
	Default     bool
	Description string
	Channel     Channel
}

// IntDef describes an integer flag to define.
type IntDef struct {
	ID          int64
	Name        string
	Default     int
	Description string
	Channel     Channel
}

// ErrEmptyName is returned by Build when a flag has no name.
var ErrEmptyName = errors.New("flag name is required")

// DuplicateNameError is returned by Build when two flags share a name.
type DuplicateNameError struct {
	Name string
}

func (e DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate flag name %s", e.Name)
}

// ErrSealed is returned when a Builder is reused after Build.
var ErrSealed = errors.New("registry already built")

// Builder collects flag definitions. Handles returned by Bool and Int are
// bound to the registry produced by Build; reading them before Build returns
// their defaults.
type Builder struct {
	reg    *Registry
	errs   []error
	sealed bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{reg: &Registry{byName: map[string]Flag{}}}
}

// Bool defines a boolean flag.
func (b *Builder) Bool(d BoolDef) *BoolFlag {
	f := &BoolFlag{
		meta: meta{id: d.ID, name: d.Name, description: d.Description, channel: d.Channel},
		def:  d.Default,
	}
	if b.add(f, f.name) {
		b.reg.bools = append(b.reg.bools, f)
	}
	return f
}

// Int defines an integer flag.
func (b *Builder) Int(d IntDef) *IntFlag {
	f := &IntFlag{
		meta: meta{id: d.ID, name: d.Name, description: d.Description, channel: d.Channel},
		def:  d.Default,
	}
	if b.add(f, f.name) {
		b.reg.ints = append(b.reg.ints, f)
	}
	return f
}

func (b *Builder) add(f Flag, name string) bool {
	if b.sealed {
		b.errs = append(b.errs, ErrSealed)
		return false
	}
	if name == "" {
		b.errs = append(b.errs, ErrEmptyName)
		return false
	}
	if _, ok := b.reg.byName[name]; ok {
		b.errs = append(b.errs, DuplicateNameError{Name: name})
		return false
	}
	b.reg.byName[name] = f
	b.reg.order = append(b.reg.order, f)
	return true
}

// Option configures Build.
type Option func(*Registry)

// WithSource sets the registry's initial resolution source.
func WithSource(src Source) Option {
	return func(r *Registry) {
		if src != nil {
			r.base = src
		}
	}
}

// Build validates the collected definitions and returns the registry.
func (b *Builder) Build(opts ...Option) (*Registry, error) {
	if b.sealed {
		return nil, ErrSealed
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	b.sealed = true
	r := b.reg
	r.base = Defaults{}
	for _, opt := range opts {
		opt(r)
	}
	r.install(r.base)
	for _, f := range r.bools {
		f.reg = r
	}
	for _, f := range r.ints {
		f.reg = r
	}
	return r, nil
}

// Registry is a built, immutable set of flags plus the current resolvers.
type Registry struct {
	bools  []*BoolFlag
	ints   []*IntFlag
	order  []Flag
	byName map[string]Flag
	base   Source

	boolFn atomic.Pointer[BoolFunc]
	intFn  atomic.Pointer[IntFunc]
}

func (r *Registry) install(src Source) {
	bf := BoolFunc(src.Bool)
	inf := IntFunc(src.Int)
	r.boolFn.Store(&bf)
	r.intFn.Store(&inf)
}

// Source returns the source the registry was built with.
func (r *Registry) Source() Source { return r.base }

// Swap replaces both resolvers with src and returns a function restoring the
// previous ones.
func (r *Registry) Swap(src Source) (restore func()) {
	if src == nil {
		src = Defaults{}
	}
	prevBool := r.boolFn.Load()
	prevInt := r.intFn.Load()
	r.install(src)
	return func() {
		r.boolFn.Store(prevBool)
		r.intFn.Store(prevInt)
	}
}

// SwapBool replaces the boolean resolver only.
func (r *Registry) SwapBool(fn BoolFunc) (restore func()) {
	if fn == nil {
		fn = BoolFlagDefault
	}
	prev := r.boolFn.Swap(&fn)
	return func() { r.boolFn.Store(prev) }
}

// SwapInt replaces the integer resolver only.
func (r *Registry) SwapInt(fn IntFunc) (restore func()) {
	if fn == nil {
		fn = IntFlagDefault
	}
	prev := r.intFn.Swap(&fn)
	return func() { r.intFn.Store(prev) }
}

// Lookup returns the flag registered under name.
func (r *Registry) Lookup(name string) (Flag, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// Bool returns the boolean flag registered under name.
func (r *Registry) Bool(name string) (*BoolFlag, bool) {
	f, ok := r.byName[name].(*BoolFlag)
	return f, ok
}

// Int returns the integer flag registered under name.
func (r *Registry) Int(name string) (*IntFlag, bool) {
	f, ok := r.byName[name].(*IntFlag)
	return f, ok
}

// All returns every flag in definition order.
func (r *Registry) All() []Flag {
	out := make([]Flag, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of flags.
func (r *Registry) Len() int { return len(r.order) }
