package vmcs

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testCaps allows every control and reports a 39-bit physical-address width.
func testCaps() *StaticCapabilities {
	caps := NewStaticCapabilities()
	for _, msr := range []uint32{
		MSRVMXTruePinbasedCtls,
		MSRVMXTrueProcbasedCtls,
		MSRVMXProcbasedCtls2,
		MSRVMXTrueExitCtls,
		MSRVMXTrueEntryCtls,
	} {
		caps.SetMSR(msr, 0xFFFFFFFF00000000)
	}
	caps.SetMSR(MSRVMXBasic, 0x00DA040000000004)
	caps.SetMSR(MSRVMXCR0Fixed0, 0x80000021)
	caps.SetMSR(MSRVMXCR0Fixed1, 0xFFFFFFFF)
	caps.SetMSR(MSRVMXCR4Fixed0, 0x2000)
	caps.SetMSR(MSRVMXCR4Fixed1, 0x3767FF)
	caps.SetMSR(MSRVMXEPTVPIDCap, 0x06334141)
	caps.SetMSR(MSRIA32EFER, 0xD01)
	caps.SetFeature(FeatureVMX, true)
	caps.SetFeature(FeatureRTM, true)
	caps.Width = 39
	return caps
}

// testFields describes a 64-bit guest entered from a 64-bit host with EPT
// and VPID enabled.
func testFields() Batch {
	return Batch{
		PinBasedControls:   0,
		ProcBasedControls:  CtlActivateSecondaryControls.Mask(),
		ProcBasedControls2: CtlEnableEPT.Mask() | CtlEnableVPID.Mask(),
		VPID:               1,
		EPTPointer:         0x1E,
		ExitControls:       CtlHostAddressSpaceSize.Mask(),
		EntryControls:      CtlIA32eModeGuest.Mask(),

		HostCR0:        0x80000031,
		HostCR3:        0x1000,
		HostCR4:        0x2020,
		HostCSSelector: 0x08,
		HostSSSelector: 0x10,
		HostTRSelector: 0x18,
		HostRIP:        0xFFFFFFFF81000000,

		GuestCR0: 0x80000031,
		GuestCR3: 0x2000,
		GuestCR4: 0x2020,
		GuestDR7: 0x400,

		GuestCSSelector:       0x08,
		GuestCSAccessRights:   0xA09B,
		GuestCSLimit:          0xFFFFFFFF,
		GuestSSSelector:       0x10,
		GuestSSAccessRights:   0xC093,
		GuestSSLimit:          0xFFFFFFFF,
		GuestDSSelector:       0x10,
		GuestDSAccessRights:   0xC093,
		GuestDSLimit:          0xFFFFFFFF,
		GuestESSelector:       0x10,
		GuestESAccessRights:   0xC093,
		GuestESLimit:          0xFFFFFFFF,
		GuestFSAccessRights:   0x10000,
		GuestGSAccessRights:   0x10000,
		GuestLDTRAccessRights: 0x10000,
		GuestTRSelector:       0x18,
		GuestTRAccessRights:   0x8B,
		GuestTRLimit:          0x67,
		GuestGDTRLimit:        0x7F,
		GuestIDTRLimit:        0xFFF,

		GuestRIP:        0xFFFFFFFF81000000,
		GuestRFLAGS:     0x2,
		VMCSLinkPointer: VMCSLinkPointerUnused,
	}
}

type fixture struct {
	caps  *StaticCapabilities
	store *MapStore
	mem   *MemoryMap
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	caps := testCaps()
	store := NewMapStore(caps)
	if err := SetFields(store, testFields()); err != nil {
		t.Fatalf("SetFields() error = %v", err)
	}
	return &fixture{caps: caps, store: store, mem: NewMemoryMap()}
}

func (f *fixture) set(t *testing.T, field *Field, v uint64) {
	t.Helper()
	if err := f.store.Set(field, v); err != nil {
		t.Fatalf("Set(%s) error = %v", field.Name, err)
	}
}

// mapPage maps a zeroed page at phys and returns it.
func (f *fixture) mapPage(t *testing.T, phys uint64) []byte {
	t.Helper()
	page := make([]byte, PageSize)
	if err := f.mem.Map(page, phys); err != nil {
		t.Fatalf("Map(0x%x) error = %v", phys, err)
	}
	return page
}

func (f *fixture) checker() *Checker {
	return New(f.store, f.caps, f.mem, WithMetrics(false))
}

// pae32 turns the fixture into a 32-bit guest with PAE paging.
func (f *fixture) pae32(t *testing.T, ept bool) {
	t.Helper()
	f.set(t, EntryControls, 0)
	f.set(t, GuestCR3, 0x3000)
	f.set(t, GuestCSAccessRights, 0xC09B)
	f.set(t, GuestRIP, 0x100000)
	proc2 := CtlEnableVPID.Mask()
	if ept {
		proc2 |= CtlEnableEPT.Mask()
	}
	f.set(t, ProcBasedControls2, proc2)
}

// realModeGP injects #GP into an unrestricted guest with cr0.pe clear.
func (f *fixture) realModeGP(t *testing.T, deliver uint64) {
	t.Helper()
	f.set(t, ProcBasedControls2, CtlEnableEPT.Mask()|CtlEnableVPID.Mask()|CtlUnrestrictedGuest.Mask())
	f.set(t, GuestCR0, 0x30)
	f.set(t, EntryInterruptionInfo, 1<<31|deliver|3<<8|13)
}

func failedRule(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		return ""
	}
	cf, ok := IsCheckFailure(err)
	if !ok {
		t.Fatalf("error %v is not a CheckFailure", err)
	}
	return cf.Rule
}

func TestCheckerValidState(t *testing.T) {
	f := newFixture(t)
	c := f.checker()

	for _, fam := range []string{FamilyControls, FamilyHost, FamilyGuest, FamilyAll} {
		t.Run(fam, func(t *testing.T) {
			if err := c.RunFamily(fam); err != nil {
				t.Fatalf("RunFamily(%q) error = %v", fam, err)
			}
		})
	}

	t.Run("pae guest", func(t *testing.T) {
		for _, ept := range []bool{false, true} {
			f := newFixture(t)
			f.pae32(t, ept)
			f.mapPage(t, 0x3000)
			if err := f.checker().All(); err != nil {
				t.Errorf("All() with ept=%v error = %v", ept, err)
			}
		}
	})
}

// ruleCase runs a single rule against the valid fixture after setup.
type ruleCase struct {
	name    string
	rule    string
	setup   func(t *testing.T, f *fixture)
	wantErr bool
}

func runRuleCases(t *testing.T, tests []ruleCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			err := f.checker().RunRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RunRule(%q) error = %v, wantErr %v", tt.rule, err, tt.wantErr)
			}
			if got := failedRule(t, err); tt.wantErr && got != tt.rule {
				t.Errorf("CheckFailure.Rule = %q, want %q", got, tt.rule)
			}
		})
	}
}

func TestCheckerBoundaries(t *testing.T) {
	tests := []ruleCase{
		{
			name: "paging without protection",
			rule: "guest_cr0_verify_paging_enabled",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestCR0, CR0Paging)
			},
			wantErr: true,
		},
		{
			name: "paging with protection",
			rule: "guest_cr0_verify_paging_enabled",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestCR0, CR0Paging|CR0ProtectionEnable)
			},
		},
		{
			name: "cr3 beyond physical width",
			rule: "guest_cr3_for_unsupported_bits",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestCR3, 0xFF00000000000000)
			},
			wantErr: true,
		},
		{
			name: "cr3 zero",
			rule: "guest_cr3_for_unsupported_bits",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestCR3, 0)
			},
		},
		{
			name: "tr type 3 outside ia-32e mode",
			rule: "guest_tr_type_must_be_11",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, EntryControls, 0)
				f.set(t, GuestTRAccessRights, 0x83)
			},
			wantErr: true,
		},
		{
			name: "tr type 11 outside ia-32e mode",
			rule: "guest_tr_type_must_be_11",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, EntryControls, 0)
			},
		},
		{
			name: "rflags reserved bits set",
			rule: "guest_rflags_reserved_bits",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestRFLAGS, 0xFFFFFFFF)
			},
			wantErr: true,
		},
		{
			name:  "rflags only bit 1",
			rule:  "guest_rflags_reserved_bits",
			setup: func(t *testing.T, f *fixture) {},
		},
		{
			name: "host cr0 contradicting fixed bits",
			rule: "host_cr0_for_unsupported_bits",
			setup: func(t *testing.T, f *fixture) {
				f.caps.SetMSR(MSRVMXCR0Fixed0, 0x00000000FFFFFFFF)
				f.caps.SetMSR(MSRVMXCR0Fixed1, 0xFFFFFFFF00000000)
				f.set(t, HostCR0, 0xFFFFFFFFFFFFFFFF)
			},
			wantErr: true,
		},
		{
			name: "host cr0 zero with no fixed bits",
			rule: "host_cr0_for_unsupported_bits",
			setup: func(t *testing.T, f *fixture) {
				f.caps.SetMSR(MSRVMXCR0Fixed0, 0)
				f.caps.SetMSR(MSRVMXCR0Fixed1, 0)
				f.set(t, HostCR0, 0)
			},
		},
		{
			name:  "link pointer unused",
			rule:  "guest_vmcs_link_pointer_first_word",
			setup: func(t *testing.T, f *fixture) {},
		},
		{
			name: "link pointer to unmapped memory",
			rule: "guest_vmcs_link_pointer_first_word",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 0)
			},
			wantErr: true,
		},
		{
			name: "link pointer with matching revision",
			rule: "guest_vmcs_link_pointer_first_word",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 0)
				f.mapPage(t, 0)[0] = 4
			},
		},
		{
			name: "link pointer with wrong revision",
			rule: "guest_vmcs_link_pointer_first_word",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 0)
				f.mapPage(t, 0)[0] = 5
			},
			wantErr: true,
		},
		{
			name: "link pointer low bits set",
			rule: "guest_vmcs_link_pointer_bits_11_0",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 0xF)
			},
			wantErr: true,
		},
		{
			name: "link pointer not aligned",
			rule: "guest_vmcs_link_pointer_bits_11_0",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 0x1008)
			},
			wantErr: true,
		},
		{
			name: "link pointer zero low bits",
			rule: "guest_vmcs_link_pointer_bits_11_0",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 0)
			},
		},
		{
			name: "link pointer zero valid address",
			rule: "guest_vmcs_link_pointer_valid_addr",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 0)
			},
		},
		{
			name: "link pointer beyond physical width",
			rule: "guest_vmcs_link_pointer_valid_addr",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VMCSLinkPointer, 1<<40)
			},
			wantErr: true,
		},
		{
			name: "shadow vmcs without shadow indicator",
			rule: "guest_vmcs_link_pointer_first_word",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, ProcBasedControls2, CtlEnableEPT.Mask()|CtlEnableVPID.Mask()|CtlVMCSShadowing.Mask())
				f.set(t, VMCSLinkPointer, 0x4000)
				f.mapPage(t, 0x4000)[0] = 4
			},
			wantErr: true,
		},
		{
			name: "shadow vmcs with shadow indicator",
			rule: "guest_vmcs_link_pointer_first_word",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, ProcBasedControls2, CtlEnableEPT.Mask()|CtlEnableVPID.Mask()|CtlVMCSShadowing.Mask())
				f.set(t, VMCSLinkPointer, 0x4000)
				page := f.mapPage(t, 0x4000)
				page[0] = 4
				page[3] = 0x80
			},
		},
		{
			name: "vpid zero",
			rule: "control_vpid_checks",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, VPID, 0)
			},
			wantErr: true,
		},
		{
			name: "pdpt unmapped",
			rule: "guest_valid_pdpte0_with_ept_disabled",
			setup: func(t *testing.T, f *fixture) {
				f.pae32(t, false)
			},
			wantErr: true,
		},
		{
			name: "real-mode #gp without error code",
			rule: "control_event_injection_delivery_ec_checks",
			setup: func(t *testing.T, f *fixture) {
				f.realModeGP(t, 0)
			},
		},
		{
			name: "real-mode #gp with error code",
			rule: "control_event_injection_delivery_ec_checks",
			setup: func(t *testing.T, f *fixture) {
				f.realModeGP(t, 1<<11)
			},
			wantErr: true,
		},
		{
			name: "protected-mode #gp without error code",
			rule: "control_event_injection_delivery_ec_checks",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, EntryInterruptionInfo, 1<<31|3<<8|13)
			},
			wantErr: true,
		},
		{
			name: "protected-mode #gp with error code",
			rule: "control_event_injection_delivery_ec_checks",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, EntryInterruptionInfo, 1<<31|1<<11|3<<8|13)
			},
		},
	}

	runRuleCases(t, tests)
}

func TestLinkPointerUnused(t *testing.T) {
	f := newFixture(t)
	f.set(t, ProcBasedControls2, CtlEnableEPT.Mask()|CtlEnableVPID.Mask()|CtlVMCSShadowing.Mask())
	c := f.checker()

	for _, r := range guestNonRegisterState.Rules {
		if !strings.HasPrefix(r.Name, "guest_vmcs_link_pointer") {
			continue
		}
		t.Run(r.Name, func(t *testing.T) {
			if err := c.RunRule(r.Name); err != nil {
				t.Errorf("RunRule() error = %v", err)
			}
		})
	}
}

func TestCheckerPDPTEs(t *testing.T) {
	const bad = 1<<1 | 1<<50

	pdpteRules := func() []string {
		var names []string
		for _, r := range guestPDPTEs().Rules {
			names = append(names, r.Name)
		}
		return names
	}()

	for _, ept := range []bool{false, true} {
		variant := "ept_disabled"
		if ept {
			variant = "ept_enabled"
		}
		for i := 0; i < 4; i++ {
			t.Run(variant+"/"+GuestPDPTEs[i].Name, func(t *testing.T) {
				f := newFixture(t)
				f.pae32(t, ept)
				page := f.mapPage(t, 0x3000)

				if ept {
					f.set(t, GuestPDPTEs[i], bad)
				} else {
					if err := f.mem.WriteUint64(0x3000+uint64(i)*8, bad); err != nil {
						t.Fatalf("WriteUint64() error = %v", err)
					}
				}

				c := f.checker()
				var failed []string
				for _, name := range pdpteRules {
					err := c.RunRule(name)
					if got := failedRule(t, err); got != "" {
						failed = append(failed, got)
					}
				}

				want := []string{rulePDPTE(i, variant)}
				if diff := cmp.Diff(want, failed); diff != "" {
					t.Errorf("failed rules mismatch (-want +got):\n%s", diff)
				}

				// A legal entry passes again.
				if ept {
					f.set(t, GuestPDPTEs[i], 0x1)
				} else {
					clear(page)
				}
				if err := c.RunFamily(FamilyGuest); err != nil {
					t.Errorf("RunFamily(guest) after repair error = %v", err)
				}
			})
		}
	}
}

func rulePDPTE(i int, variant string) string {
	return fmt.Sprintf("guest_valid_pdpte%d_with_%s", i, variant)
}

func TestCheckerIdempotent(t *testing.T) {
	f := newFixture(t)
	f.set(t, GuestRFLAGS, 0xA)
	c := f.checker()

	first := c.All()
	second := c.All()
	if first == nil {
		t.Fatal("All() = nil, want failure")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("All() not idempotent (-first +second):\n%s", diff)
	}
	if got := failedRule(t, first); got != "guest_rflags_reserved_bits" {
		t.Errorf("failed rule = %q, want guest_rflags_reserved_bits", got)
	}
}

func TestCheckerGating(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		ctl   Control
		field *Field
		bad   uint64
	}{
		{"guest pat", "guest_verify_load_ia32_pat", CtlEntryLoadPAT, GuestIA32PAT, 0x02},
		{"host pat", "host_verify_load_ia32_pat", CtlExitLoadPAT, HostIA32PAT, 0x03},
		{"guest dr7", "guest_load_debug_controls_verify_dr7", CtlEntryLoadDebugControls, GuestDR7, 1 << 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.set(t, tt.field, tt.bad)
			c := f.checker()

			if err := c.RunRule(tt.rule); err != nil {
				t.Fatalf("control off: RunRule(%q) error = %v", tt.rule, err)
			}

			ctl := f.store.GetIfExists(tt.ctl.Field, false)
			f.set(t, tt.ctl.Field, ctl|tt.ctl.Mask())
			if got := failedRule(t, c.RunRule(tt.rule)); got != tt.rule {
				t.Fatalf("control on: failed rule = %q, want %q", got, tt.rule)
			}

			f.set(t, tt.ctl.Field, ctl)
			if err := c.RunRule(tt.rule); err != nil {
				t.Errorf("control off again: RunRule(%q) error = %v", tt.rule, err)
			}
		})
	}
}

func TestCheckerOrderIndependent(t *testing.T) {
	perturb := map[string]func(t *testing.T, f *fixture){
		"valid":   func(t *testing.T, f *fixture) {},
		"rflags":  func(t *testing.T, f *fixture) { f.set(t, GuestRFLAGS, 0) },
		"host tr": func(t *testing.T, f *fixture) { f.set(t, HostTRSelector, 0) },
		"vpid":    func(t *testing.T, f *fixture) { f.set(t, VPID, 0) },
		"cr4":     func(t *testing.T, f *fixture) { f.set(t, GuestCR4, 0) },
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for name, setup := range perturb {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			setup(t, f)
			c := f.checker()

			want := map[string]bool{}
			for _, r := range Rules() {
				want[r.Name] = c.RunRule(r.Name) != nil
			}

			for round := 0; round < 5; round++ {
				rules := Rules()
				rng.Shuffle(len(rules), func(i, j int) { rules[i], rules[j] = rules[j], rules[i] })

				got := map[string]bool{}
				for _, r := range rules {
					got[r.Name] = c.run(r) != nil
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Fatalf("round %d: outcomes differ (-ordered +shuffled):\n%s", round, diff)
				}
			}

			anyFailed := false
			for _, failed := range want {
				anyFailed = anyFailed || failed
			}
			if allErr := c.All(); (allErr != nil) != anyFailed {
				t.Errorf("All() error = %v, but per-rule failure = %v", allErr, anyFailed)
			}
		})
	}
}

func TestCheckerLogicError(t *testing.T) {
	f := newFixture(t)
	f.set(t, VPID, 1)
	// Drop "enable vpid" from the secondary allowed-1 settings so the VPID
	// field no longer exists while the control word still asks for it.
	f.caps.SetMSR(MSRVMXProcbasedCtls2, 0xFFFFFFDF00000000)

	err := f.checker().RunRule("control_vpid_checks")
	var le *LogicError
	if !errors.As(err, &le) {
		t.Fatalf("RunRule() error = %v, want *LogicError", err)
	}
	if _, ok := IsCheckFailure(err); ok {
		t.Error("logic error reported as a CheckFailure")
	}
	want := &LogicError{Op: "get", Field: VPID.Name}
	if diff := cmp.Diff(want, le); diff != "" {
		t.Errorf("LogicError mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckerUnknown(t *testing.T) {
	c := newFixture(t).checker()

	if err := c.RunRule("no_such_rule"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("RunRule() error = %v, want ErrUnknownRule", err)
	}
	if err := c.RunFamily("no_such_family"); err == nil {
		t.Error("RunFamily() error = nil, want error")
	}
}

func TestRulesUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range Rules() {
		if seen[r.Name] {
			t.Errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		if r.Check == nil {
			t.Errorf("rule %q has no check", r.Name)
		}
	}
}

func TestEnter(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		called := false
		err := Enter(newFixture(t).checker(), func() error {
			called = true
			return nil
		})
		if err != nil || !called {
			t.Fatalf("Enter() error = %v, called = %v", err, called)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		f := newFixture(t)
		f.set(t, HostTRSelector, 0)
		called := false
		err := Enter(f.checker(), func() error {
			called = true
			return nil
		})
		if called {
			t.Fatal("enter called for an invalid vmcs")
		}
		if got := failedRule(t, err); got != "host_tr_not_equal_zero" {
			t.Errorf("failed rule = %q, want host_tr_not_equal_zero", got)
		}
	})

	t.Run("entry error", func(t *testing.T) {
		boom := errors.New("vmlaunch failed")
		err := Enter(newFixture(t).checker(), func() error { return boom })
		if !errors.Is(err, boom) {
			t.Errorf("Enter() error = %v, want %v", err, boom)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if err := Enter(nil, func() error { return nil }); err == nil {
			t.Error("Enter(nil) error = nil")
		}
		if err := Enter(newFixture(t).checker(), nil); err == nil {
			t.Error("Enter(c, nil) error = nil")
		}
	})
}
