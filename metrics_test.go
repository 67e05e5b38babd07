package vmcs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMetrics(t *testing.T) {
	ResetMetrics()
	t.Cleanup(ResetMetrics)

	if diff := cmp.Diff(Metrics{}, GetMetrics()); diff != "" {
		t.Fatalf("metrics not reset (-want +got):\n%s", diff)
	}

	f := newFixture(t)
	c := New(f.store, f.caps, f.mem)

	if err := c.All(); err != nil {
		t.Fatalf("All() error = %v", err)
	}
	m := GetMetrics()
	if m.FullRuns != 1 {
		t.Errorf("FullRuns = %d, want 1", m.FullRuns)
	}
	if m.FamilyRuns != 3 {
		t.Errorf("FamilyRuns = %d, want 3", m.FamilyRuns)
	}
	if want := uint64(len(Rules())); m.RulesEvaluated != want {
		t.Errorf("RulesEvaluated = %d, want %d", m.RulesEvaluated, want)
	}
	if m.RulesFailed != 0 {
		t.Errorf("RulesFailed = %d, want 0", m.RulesFailed)
	}

	// A rule reading unmapped memory fails and counts the translation error.
	f.set(t, VMCSLinkPointer, 0x7000)
	if err := c.RunRule("guest_vmcs_link_pointer_first_word"); err == nil {
		t.Fatal("RunRule() error = nil, want failure")
	}
	m = GetMetrics()
	if m.RulesFailed != 1 {
		t.Errorf("RulesFailed = %d, want 1", m.RulesFailed)
	}
	if m.TranslationErrors != 1 {
		t.Errorf("TranslationErrors = %d, want 1", m.TranslationErrors)
	}

	if _, err := f.store.Get(EPTPListAddr); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	f.caps.SetMSR(MSRVMXProcbasedCtls2, 0)
	if _, err := f.store.Get(EPTPListAddr); err == nil {
		t.Fatal("Get() of absent field error = nil")
	}
	if got := GetMetrics().LogicErrors; got != 1 {
		t.Errorf("LogicErrors = %d, want 1", got)
	}

	t.Logf("Final metrics: %+v", GetMetrics())
}

func TestMetricsDisabled(t *testing.T) {
	ResetMetrics()
	t.Cleanup(ResetMetrics)

	f := newFixture(t)
	c := f.checker()
	if err := c.All(); err != nil {
		t.Fatalf("All() error = %v", err)
	}
	m := GetMetrics()
	if m.RulesEvaluated != 0 || m.FullRuns != 0 || m.FamilyRuns != 0 {
		t.Errorf("metrics recorded with WithMetrics(false): %+v", m)
	}

	// Store and memory errors are counted whatever the checker option.
	f.set(t, VMCSLinkPointer, 0x7000)
	if err := c.RunRule("guest_vmcs_link_pointer_first_word"); err == nil {
		t.Fatal("RunRule() error = nil, want failure")
	}
	f.caps.SetMSR(MSRVMXProcbasedCtls2, 0)
	if _, err := f.store.Get(EPTPListAddr); err == nil {
		t.Fatal("Get() of absent field error = nil")
	}
	want := Metrics{LogicErrors: 1, TranslationErrors: 1}
	if diff := cmp.Diff(want, GetMetrics()); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}
