package instrument_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"flagdeck/flags"
	"flagdeck/internal/instrument"
)

func TestSourceCountsAndLogsReads(t *testing.T) {
	reg := stdprometheus.NewRegistry()
	reads, err := instrument.NewReadCounter(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var buf bytes.Buffer
	logger := level.NewFilter(log.NewLogfmtLogger(&buf), level.AllowDebug())

	b := flags.NewBuilder()
	f := b.Bool(flags.BoolDef{Name: "F1", Default: true})
	n := b.Int(flags.IntDef{Name: "N1", Default: 3})
	if _, err := b.Build(flags.WithSource(instrument.New(flags.Defaults{}, reads, logger))); err != nil {
		t.Fatal(err)
	}
	f.Get()
	f.Get()
	n.Get()

	got, err := testutil.GatherAndCount(reg, "flagdeck_flag_reads_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected 2 label sets, got %d", got)
	}
	out := buf.String()
	if !strings.Contains(out, "flag=F1") || !strings.Contains(out, "flag=N1") {
		t.Fatalf("expected debug read logs, got %q", out)
	}
	if !f.Get() || n.Get() != 3 {
		t.Fatalf("decorator must not change values")
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := stdprometheus.NewRegistry()
	if _, err := instrument.NewOverrideCounter(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := instrument.NewOverrideCounter(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestNilDependenciesAreSafe(t *testing.T) {
	b := flags.NewBuilder()
	f := b.Bool(flags.BoolDef{Name: "F", Default: true})
	if _, err := b.Build(flags.WithSource(instrument.New(nil, nil, nil))); err != nil {
		t.Fatal(err)
	}
	if !f.Get() {
		t.Fatalf("expected default")
	}
}
