package vmcs

import "testing"

func TestHostSelectors(t *testing.T) {
	selectors := []struct {
		rule  string
		field *Field
	}{
		{"host_es_selector_rpl_ti_equal_zero", HostESSelector},
		{"host_cs_selector_rpl_ti_equal_zero", HostCSSelector},
		{"host_ss_selector_rpl_ti_equal_zero", HostSSSelector},
		{"host_ds_selector_rpl_ti_equal_zero", HostDSSelector},
		{"host_fs_selector_rpl_ti_equal_zero", HostFSSelector},
		{"host_gs_selector_rpl_ti_equal_zero", HostGSSelector},
		{"host_tr_selector_rpl_ti_equal_zero", HostTRSelector},
	}

	var tests []ruleCase
	for _, s := range selectors {
		sel := func(v uint64) func(t *testing.T, f *fixture) {
			return func(t *testing.T, f *fixture) { f.set(t, s.field, v) }
		}
		tests = append(tests,
			ruleCase{name: s.rule + "/gdt ring 0", rule: s.rule, setup: sel(0x10)},
			ruleCase{name: s.rule + "/rpl 3", rule: s.rule, setup: sel(0x13), wantErr: true},
			ruleCase{name: s.rule + "/ti set", rule: s.rule, setup: sel(0x14), wantErr: true},
		)
	}

	tests = append(tests, []ruleCase{
		{
			name:    "cs zero",
			rule:    "host_cs_not_equal_zero",
			setup:   func(t *testing.T, f *fixture) { f.set(t, HostCSSelector, 0) },
			wantErr: true,
		},
		{
			name: "ss zero for 32-bit host",
			rule: "host_ss_not_equal_zero",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, ExitControls, 0)
				f.set(t, HostSSSelector, 0)
			},
			wantErr: true,
		},
		{
			name:  "ss nonzero for 32-bit host",
			rule:  "host_ss_not_equal_zero",
			setup: func(t *testing.T, f *fixture) { f.set(t, ExitControls, 0) },
		},
		{
			name:  "ss zero for 64-bit host",
			rule:  "host_ss_not_equal_zero",
			setup: func(t *testing.T, f *fixture) { f.set(t, HostSSSelector, 0) },
		},
	}...)

	runRuleCases(t, tests)
}

func TestHostAddressSpace(t *testing.T) {
	// outsideLongMode models a checker running with efer.lma clear.
	outsideLongMode := func(t *testing.T, f *fixture) {
		f.caps.SetMSR(MSRIA32EFER, 0x501)
	}
	// host32 drops the fixture to a 32-bit host and guest.
	host32 := func(t *testing.T, f *fixture) {
		f.set(t, ExitControls, 0)
		f.set(t, EntryControls, 0)
		f.set(t, HostRIP, 0x100000)
	}

	runRuleCases(t, []ruleCase{
		{
			name: "ia-32e guest outside long mode",
			rule: "host_if_outside_ia32e_mode",
			setup: func(t *testing.T, f *fixture) {
				outsideLongMode(t, f)
				f.set(t, ExitControls, 0)
			},
			wantErr: true,
		},
		{
			name: "64-bit host outside long mode",
			rule: "host_if_outside_ia32e_mode",
			setup: func(t *testing.T, f *fixture) {
				outsideLongMode(t, f)
				f.set(t, EntryControls, 0)
			},
			wantErr: true,
		},
		{
			name: "32-bit host outside long mode",
			rule: "host_if_outside_ia32e_mode",
			setup: func(t *testing.T, f *fixture) {
				outsideLongMode(t, f)
				host32(t, f)
			},
		},
		{
			name:    "32-bit host in long mode",
			rule:    "host_address_space_size_exit_ctl_is_set",
			setup:   host32,
			wantErr: true,
		},
		{
			name: "32-bit host out of long mode",
			rule: "host_address_space_size_exit_ctl_is_set",
			setup: func(t *testing.T, f *fixture) {
				outsideLongMode(t, f)
				host32(t, f)
			},
		},
		{
			name:  "32-bit host",
			rule:  "host_address_space_disabled",
			setup: host32,
		},
		{
			name: "32-bit host with ia-32e guest",
			rule: "host_address_space_disabled",
			setup: func(t *testing.T, f *fixture) {
				host32(t, f)
				f.set(t, EntryControls, CtlIA32eModeGuest.Mask())
			},
			wantErr: true,
		},
		{
			name: "32-bit host with pcide",
			rule: "host_address_space_disabled",
			setup: func(t *testing.T, f *fixture) {
				host32(t, f)
				f.set(t, HostCR4, 0x2020|CR4PCIDE)
			},
			wantErr: true,
		},
		{
			name: "32-bit host with 64-bit rip",
			rule: "host_address_space_disabled",
			setup: func(t *testing.T, f *fixture) {
				host32(t, f)
				f.set(t, HostRIP, 0xFFFFFFFF81000000)
			},
			wantErr: true,
		},
		{
			name:    "64-bit host without pae",
			rule:    "host_address_space_enabled",
			setup:   func(t *testing.T, f *fixture) { f.set(t, HostCR4, 0x2000) },
			wantErr: true,
		},
		{
			name:    "64-bit host with non-canonical rip",
			rule:    "host_address_space_enabled",
			setup:   func(t *testing.T, f *fixture) { f.set(t, HostRIP, 0x0000800000000000) },
			wantErr: true,
		},
		{
			name:  "64-bit host",
			rule:  "host_address_space_enabled",
			setup: func(t *testing.T, f *fixture) {},
		},
	})
}
