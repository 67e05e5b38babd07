package vmcs

import "testing"

func TestGuestActivityAndInterruptibility(t *testing.T) {
	state := func(activity, intr uint64) func(t *testing.T, f *fixture) {
		return func(t *testing.T, f *fixture) {
			f.set(t, GuestActivityState, activity)
			f.set(t, GuestInterruptibility, intr)
		}
	}

	runRuleCases(t, []ruleCase{
		{name: "activity wait-for-sipi", rule: "guest_valid_activity_state", setup: state(ActivityWaitSIPI, 0)},
		{name: "activity 4", rule: "guest_valid_activity_state", setup: state(4, 0), wantErr: true},
		{name: "hlt with ss dpl 0", rule: "guest_activity_state_not_hlt_when_dpl_not_0", setup: state(ActivityHLT, 0)},
		{
			name: "hlt with ss dpl 3",
			rule: "guest_activity_state_not_hlt_when_dpl_not_0",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestActivityState, ActivityHLT)
				f.set(t, GuestSSAccessRights, 0xC0F3)
			},
			wantErr: true,
		},
		{name: "hlt blocked by sti", rule: "guest_must_be_active_if_injecting_blocking_state", setup: state(ActivityHLT, BlockingBySTI), wantErr: true},
		{name: "active blocked by sti", rule: "guest_must_be_active_if_injecting_blocking_state", setup: state(ActivityActive, BlockingBySTI)},
		{name: "reserved bit 5", rule: "guest_interruptibility_state_reserved", setup: state(0, 1<<5), wantErr: true},
		{name: "sti and mov ss", rule: "guest_interruptibility_state_sti_mov_ss", setup: state(0, BlockingBySTI|BlockingByMovSS), wantErr: true},
		{name: "mov ss only", rule: "guest_interruptibility_state_sti_mov_ss", setup: state(0, BlockingByMovSS)},
		{name: "sti with if clear", rule: "guest_interruptibility_state_sti", setup: state(0, BlockingBySTI), wantErr: true},
		{
			name: "sti with if set",
			rule: "guest_interruptibility_state_sti",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestRFLAGS, RFLAGSAlwaysSet|RFLAGSIF)
				f.set(t, GuestInterruptibility, BlockingBySTI)
			},
		},
		{name: "enclave without sgx", rule: "guest_interruptibility_state_enclave_interrupt", setup: state(0, EnclaveInterruption), wantErr: true},
		{
			name: "enclave with sgx",
			rule: "guest_interruptibility_state_enclave_interrupt",
			setup: func(t *testing.T, f *fixture) {
				f.caps.SetFeature(FeatureSGX, true)
				f.set(t, GuestInterruptibility, EnclaveInterruption)
			},
		},
		{
			name: "enclave blocked by mov ss",
			rule: "guest_interruptibility_state_enclave_interrupt",
			setup: func(t *testing.T, f *fixture) {
				f.caps.SetFeature(FeatureSGX, true)
				f.set(t, GuestInterruptibility, EnclaveInterruption|BlockingByMovSS)
			},
			wantErr: true,
		},
		{name: "smi blocking outside smm", rule: "guest_interruptibility_not_in_smm", setup: state(0, BlockingBySMI), wantErr: true},
		{
			name: "smi blocking on entry to smm",
			rule: "guest_interruptibility_not_in_smm",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, EntryControls, CtlIA32eModeGuest.Mask()|CtlEntryToSMM.Mask())
				f.set(t, GuestInterruptibility, BlockingBySMI)
			},
		},
		{
			name: "entry to smm without smi blocking",
			rule: "guest_interruptibility_entry_to_smm",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, EntryControls, CtlIA32eModeGuest.Mask()|CtlEntryToSMM.Mask())
			},
			wantErr: true,
		},
		{
			name: "external interrupt with if clear",
			rule: "guest_rflag_interrupt_enable",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, EntryInterruptionInfo, 1<<31|0x20)
			},
			wantErr: true,
		},
		{
			name: "external interrupt with if set",
			rule: "guest_rflag_interrupt_enable",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestRFLAGS, RFLAGSAlwaysSet|RFLAGSIF)
				f.set(t, EntryInterruptionInfo, 1<<31|0x20)
			},
		},
		{
			name: "nmi into hlt",
			rule: "guest_hlt_valid_interrupts",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestActivityState, ActivityHLT)
				f.set(t, EntryInterruptionInfo, 1<<31|IntrNMI<<8|2)
			},
		},
		{
			name: "#gp into hlt",
			rule: "guest_hlt_valid_interrupts",
			setup: func(t *testing.T, f *fixture) {
				f.set(t, GuestActivityState, ActivityHLT)
				f.set(t, EntryInterruptionInfo, 1<<31|1<<11|3<<8|13)
			},
			wantErr: true,
		},
	})
}

func TestGuestPendingDebugExceptions(t *testing.T) {
	debug := func(pending, rflags, debugctl, intr uint64) func(t *testing.T, f *fixture) {
		return func(t *testing.T, f *fixture) {
			f.set(t, GuestPendingDebugExcepts, pending)
			f.set(t, GuestRFLAGS, RFLAGSAlwaysSet|rflags)
			f.set(t, GuestIA32DebugCtl, debugctl)
			f.set(t, GuestInterruptibility, intr)
		}
	}

	runRuleCases(t, []ruleCase{
		{name: "bs only", rule: "guest_pending_debug_exceptions_reserved", setup: debug(pendingDebugBS, 0, 0, 0)},
		{name: "bit 4", rule: "guest_pending_debug_exceptions_reserved", setup: debug(1<<4, 0, 0, 0), wantErr: true},
		{name: "tf without bs", rule: "guest_pending_debug_exceptions_dbg_ctl", setup: debug(0, RFLAGSTF, 0, BlockingBySTI), wantErr: true},
		{name: "tf with bs", rule: "guest_pending_debug_exceptions_dbg_ctl", setup: debug(pendingDebugBS, RFLAGSTF, 0, BlockingBySTI)},
		{name: "tf without bs unblocked", rule: "guest_pending_debug_exceptions_dbg_ctl", setup: debug(0, RFLAGSTF, 0, 0)},
		{name: "bs with btf", rule: "guest_pending_debug_exceptions_dbg_ctl", setup: debug(pendingDebugBS, 0, debugCtlBTF, BlockingByMovSS), wantErr: true},
		{name: "tf and btf", rule: "guest_pending_debug_exceptions_dbg_ctl", setup: debug(0, RFLAGSTF, debugCtlBTF, BlockingByMovSS)},
		{
			name: "tf without bs in hlt",
			rule: "guest_pending_debug_exceptions_dbg_ctl",
			setup: func(t *testing.T, f *fixture) {
				debug(0, RFLAGSTF, 0, 0)(t, f)
				f.set(t, GuestActivityState, ActivityHLT)
			},
			wantErr: true,
		},
		{name: "rtm", rule: "guest_pending_debug_exceptions_rtm", setup: debug(pendingDebugRTM|pendingDebugEnabledBreakpoint, 0, 0, 0)},
		{name: "rtm without bit 12", rule: "guest_pending_debug_exceptions_rtm", setup: debug(pendingDebugRTM, 0, 0, 0), wantErr: true},
		{name: "rtm with b0", rule: "guest_pending_debug_exceptions_rtm", setup: debug(pendingDebugRTM|pendingDebugEnabledBreakpoint|1, 0, 0, 0), wantErr: true},
		{name: "rtm blocked by mov ss", rule: "guest_pending_debug_exceptions_rtm", setup: debug(pendingDebugRTM|pendingDebugEnabledBreakpoint, 0, 0, BlockingByMovSS), wantErr: true},
		{
			name: "rtm unsupported",
			rule: "guest_pending_debug_exceptions_rtm",
			setup: func(t *testing.T, f *fixture) {
				f.caps.SetFeature(FeatureRTM, false)
				f.set(t, GuestPendingDebugExcepts, pendingDebugRTM|pendingDebugEnabledBreakpoint)
			},
			wantErr: true,
		},
	})
}
