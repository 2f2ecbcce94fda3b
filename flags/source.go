package flags

// Source resolves the current value of a flag. Implementations must be total:
// every flag gets an answer, typically its default when nothing else applies.
type Source interface {
	Bool(f *BoolFlag) bool
	Int(f *IntFlag) int
}

// BoolFunc resolves boolean flags.
type BoolFunc func(f *BoolFlag) bool

// IntFunc resolves integer flags.
type IntFunc func(f *IntFlag) int

// BoolFlagDefault returns the baked-in default.
func BoolFlagDefault(f *BoolFlag) bool { return f.def }

// IntFlagDefault returns the baked-in default.
func IntFlagDefault(f *IntFlag) int { return f.def }

// Defaults answers every read with the flag's baked-in default.
type Defaults struct{}

func (Defaults) Bool(f *BoolFlag) bool { return f.def }
func (Defaults) Int(f *IntFlag) int    { return f.def }

// Funcs adapts a pair of functions to Source. A nil function falls back to
// the flag default.
type Funcs struct {
	BoolFn BoolFunc
	IntFn  IntFunc
}

func (s Funcs) Bool(f *BoolFlag) bool {
	if s.BoolFn == nil {
		return f.def
	}
	return s.BoolFn(f)
}

func (s Funcs) Int(f *IntFlag) int {
	if s.IntFn == nil {
		return f.def
	}
	return s.IntFn(f)
}

// Values answers reads from name-keyed maps, falling back to defaults.
type Values struct {
	Bools map[string]bool
	Ints  map[string]int
}

func (s Values) Bool(f *BoolFlag) bool {
	if v, ok := s.Bools[f.name]; ok {
		return v
	}
	return f.def
}

func (s Values) Int(f *IntFlag) int {
	if v, ok := s.Ints[f.name]; ok {
		return v
	}
	return f.def
}
