// Package instrument wraps a flags.Source with read counters and debug logging.
package instrument

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"flagdeck/flags"
)

// Source counts and logs every read before delegating to Next.
type Source struct {
	Next   flags.Source
	Reads  metrics.Counter
	Logger log.Logger
}

var _ flags.Source = (*Source)(nil)

// New wraps next. Nil reads or logger disable that side effect.
func New(next flags.Source, reads metrics.Counter, logger log.Logger) *Source {
	if next == nil {
		next = flags.Defaults{}
	}
	if reads == nil {
		reads = discard.NewCounter()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Source{Next: next, Reads: reads, Logger: log.With(logger, "component", "flags")}
}

func (s *Source) Bool(f *flags.BoolFlag) bool {
	v := s.Next.Bool(f)
	s.Reads.With("flag", f.Name(), "kind", string(flags.KindBool)).Add(1)
	level.Debug(s.Logger).Log("msg", "flag read", "flag", f.Name(), "value", v)
	return v
}

func (s *Source) Int(f *flags.IntFlag) int {
	v := s.Next.Int(f)
	s.Reads.With("flag", f.Name(), "kind", string(flags.KindInt)).Add(1)
	level.Debug(s.Logger).Log("msg", "flag read", "flag", f.Name(), "value", v)
	return v
}

// NewReadCounter registers flagdeck_flag_reads_total with reg and returns it
// as a go-kit counter labelled by flag and kind.
func NewReadCounter(reg stdprometheus.Registerer) (metrics.Counter, error) {
	cv := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: "flagdeck",
		Name:      "flag_reads_total",
		Help:      "Number of flag value reads.",
	}, []string{"flag", "kind"})
	if err := reg.Register(cv); err != nil {
		return nil, err
	}
	return kitprometheus.NewCounter(cv), nil
}

// NewOverrideCounter registers flagdeck_override_writes_total with reg.
func NewOverrideCounter(reg stdprometheus.Registerer) (metrics.Counter, error) {
	cv := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: "flagdeck",
		Name:      "override_writes_total",
		Help:      "Number of developer override writes.",
	}, []string{"op"})
	if err := reg.Register(cv); err != nil {
		return nil, err
	}
	return kitprometheus.NewCounter(cv), nil
}
