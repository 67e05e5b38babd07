package vmcs

import "fmt"

var guestDescriptorTables = Group{Name: "descriptor_table_registers", Rules: []Rule{
	{"guest_gdtr_base_must_be_canonical", (*Checker).guestGDTRBaseMustBeCanonical},
	{"guest_idtr_base_must_be_canonical", (*Checker).guestIDTRBaseMustBeCanonical},
	{"guest_gdtr_limit_reserved_bits", (*Checker).guestGDTRLimitReservedBits},
	{"guest_idtr_limit_reserved_bits", (*Checker).guestIDTRLimitReservedBits},
}}

var guestRIPAndRFLAGS = Group{Name: "rip_and_rflags", Rules: []Rule{
	{"guest_rip_upper_bits", (*Checker).guestRIPUpperBits},
	{"guest_rip_valid_addr", (*Checker).guestRIPValidAddr},
	{"guest_rflags_reserved_bits", (*Checker).guestRFLAGSReservedBits},
	{"guest_rflags_vm_bit", (*Checker).guestRFLAGSVMBit},
	{"guest_rflag_interrupt_enable", (*Checker).guestRFLAGInterruptEnable},
}}

var guestNonRegisterState = Group{Name: "non_register_state", Rules: []Rule{
	{"guest_valid_activity_state", (*Checker).guestValidActivityState},
	{"guest_activity_state_not_hlt_when_dpl_not_0", (*Checker).guestActivityStateNotHLTWhenDPLNot0},
	{"guest_must_be_active_if_injecting_blocking_state", (*Checker).guestMustBeActiveIfInjectingBlockingState},
	{"guest_hlt_valid_interrupts", (*Checker).guestHLTValidInterrupts},
	{"guest_shutdown_valid_interrupts", (*Checker).guestShutdownValidInterrupts},
	{"guest_sipi_valid_interrupts", (*Checker).guestSIPIValidInterrupts},
	{"guest_valid_activity_state_and_smm", (*Checker).guestValidActivityStateAndSMM},
	{"guest_interruptibility_state_reserved", (*Checker).guestInterruptibilityStateReserved},
	{"guest_interruptibility_state_sti_mov_ss", (*Checker).guestInterruptibilityStateSTIMovSS},
	{"guest_interruptibility_state_sti", (*Checker).guestInterruptibilityStateSTI},
	{"guest_interruptibility_state_external_interrupt", (*Checker).guestInterruptibilityStateExternalInterrupt},
	{"guest_interruptibility_state_nmi", (*Checker).guestInterruptibilityStateNMI},
	{"guest_interruptibility_not_in_smm", (*Checker).guestInterruptibilityNotInSMM},
	{"guest_interruptibility_entry_to_smm", (*Checker).guestInterruptibilityEntryToSMM},
	{"guest_interruptibility_state_sti_and_nmi", (*Checker).guestInterruptibilityStateSTIAndNMI},
	{"guest_interruptibility_state_virtual_nmi", (*Checker).guestInterruptibilityStateVirtualNMI},
	{"guest_interruptibility_state_enclave_interrupt", (*Checker).guestInterruptibilityStateEnclaveInterrupt},
	{"guest_pending_debug_exceptions_reserved", (*Checker).guestPendingDebugExceptionsReserved},
	{"guest_pending_debug_exceptions_dbg_ctl", (*Checker).guestPendingDebugExceptionsDbgCtl},
	{"guest_pending_debug_exceptions_rtm", (*Checker).guestPendingDebugExceptionsRTM},
	{"guest_vmcs_link_pointer_bits_11_0", (*Checker).guestVMCSLinkPointerBits11To0},
	{"guest_vmcs_link_pointer_valid_addr", (*Checker).guestVMCSLinkPointerValidAddr},
	{"guest_vmcs_link_pointer_first_word", (*Checker).guestVMCSLinkPointerFirstWord},
	{"guest_vmcs_link_pointer_not_in_smm", (*Checker).guestVMCSLinkPointerNotInSMM},
	{"guest_vmcs_link_pointer_in_smm", (*Checker).guestVMCSLinkPointerInSMM},
}}

func guestPDPTEs() Group {
	var rules []Rule
	for i := range GuestPDPTEs {
		rules = append(rules, Rule{
			Name:  fmt.Sprintf("guest_valid_pdpte%d_with_ept_disabled", i),
			Check: func(c *Checker) error { return c.guestValidPDPTEWithEPTDisabled(i) },
		})
	}
	for i := range GuestPDPTEs {
		rules = append(rules, Rule{
			Name:  fmt.Sprintf("guest_valid_pdpte%d_with_ept_enabled", i),
			Check: func(c *Checker) error { return c.guestValidPDPTEWithEPTEnabled(i) },
		})
	}
	return Group{Name: "pdptes", Rules: rules}
}

const (
	pendingDebugEnabledBreakpoint = 1 << 12
	pendingDebugBS                = 1 << 14
	pendingDebugRTM               = 1 << 16
	pendingDebugReserved          = 0xFFFFFFFFFFFEAFF0
	pendingDebugRTMReserved       = 0xFFFFFFFFFFFEAFFF

	// VMCSLinkPointerUnused disables every link-pointer check.
	VMCSLinkPointerUnused = 0xFFFFFFFFFFFFFFFF

	vmcsShadowIndicator = 1 << 31

	pdpteReservedLow = 0x1E6
)

func (c *Checker) guestGDTRBaseMustBeCanonical() error {
	if base := c.get(GuestGDTRBase); !isCanonical(base) {
		return fail("guest gdtr base 0x%x must be canonical", base)
	}
	return nil
}

func (c *Checker) guestIDTRBaseMustBeCanonical() error {
	if base := c.get(GuestIDTRBase); !isCanonical(base) {
		return fail("guest idtr base 0x%x must be canonical", base)
	}
	return nil
}

func (c *Checker) guestGDTRLimitReservedBits() error {
	if limit := c.get(GuestGDTRLimit); limit&0xFFFF0000 != 0 {
		return fail("guest gdtr limit 0x%x bits 31:16 must be 0", limit)
	}
	return nil
}

func (c *Checker) guestIDTRLimitReservedBits() error {
	if limit := c.get(GuestIDTRLimit); limit&0xFFFF0000 != 0 {
		return fail("guest idtr limit 0x%x bits 31:16 must be 0", limit)
	}
	return nil
}

// longModeCode reports whether the guest enters 64-bit code.
func (c *Checker) longModeCode() bool {
	return c.ia32eGuest() && c.rights(segCS).long()
}

func (c *Checker) guestRIPUpperBits() error {
	if c.longModeCode() {
		return nil
	}
	if rip := c.get(GuestRIP); rip&0xFFFFFFFF00000000 != 0 {
		return fail("guest rip 0x%x bits 63:32 must be 0 outside 64-bit mode", rip)
	}
	return nil
}

func (c *Checker) guestRIPValidAddr() error {
	if !c.longModeCode() {
		return nil
	}
	if rip := c.get(GuestRIP); !isLinearAddressValid(rip) {
		return fail("guest rip 0x%x must be canonical in 64-bit mode", rip)
	}
	return nil
}

func (c *Checker) guestRFLAGSReservedBits() error {
	rflags := c.get(GuestRFLAGS)
	if isAnyOn(rflags, rflagsReserved) {
		return fail("guest rflags 0x%x has reserved bits set", rflags)
	}
	if !isOn(rflags, RFLAGSAlwaysSet) {
		return fail("guest rflags 0x%x bit 1 must be 1", rflags)
	}
	return nil
}

func (c *Checker) guestRFLAGSVMBit() error {
	if !c.ia32eGuest() && isOn(c.get(GuestCR0), CR0ProtectionEnable) {
		return nil
	}
	if c.v8086() {
		return fail("guest rflags.vm must be 0 in ia-32e mode or with cr0.pe 0")
	}
	return nil
}

func (c *Checker) guestRFLAGInterruptEnable() error {
	info := c.entryIntrInfo()
	if !info.valid() || info.kind() != IntrExternal {
		return nil
	}
	if !isOn(c.get(GuestRFLAGS), RFLAGSIF) {
		return fail("guest rflags.if must be 1 when injecting an external interrupt")
	}
	return nil
}

func (c *Checker) activityState() uint64 {
	return c.get(GuestActivityState)
}

func (c *Checker) interruptibility() uint64 {
	return c.get(GuestInterruptibility)
}

func (c *Checker) guestValidActivityState() error {
	if state := c.activityState(); state > ActivityWaitSIPI {
		return fail("guest activity state %d must be 0 - 3", state)
	}
	return nil
}

func (c *Checker) guestActivityStateNotHLTWhenDPLNot0() error {
	if c.activityState() != ActivityHLT {
		return nil
	}
	if dpl := c.rights(segSS).dpl(); dpl != 0 {
		return fail("guest ss dpl %d must be 0 if activity state is hlt", dpl)
	}
	return nil
}

func (c *Checker) guestMustBeActiveIfInjectingBlockingState() error {
	if c.activityState() == ActivityActive {
		return nil
	}
	intr := c.interruptibility()
	if isOn(intr, BlockingBySTI) {
		return fail("activity state must be active if blocking by sti is 1")
	}
	if isOn(intr, BlockingByMovSS) {
		return fail("activity state must be active if blocking by mov ss is 1")
	}
	return nil
}

func (c *Checker) guestHLTValidInterrupts() error {
	info := c.entryIntrInfo()
	if !info.valid() || c.activityState() != ActivityHLT {
		return nil
	}
	switch info.kind() {
	case IntrExternal, IntrNMI:
		return nil
	case IntrHardwareException:
		if info.vector() == 1 || info.vector() == 18 {
			return nil
		}
	case IntrOtherEvent:
		if info.vector() == 0 {
			return nil
		}
	}
	return fail("cannot inject event (%s) into a guest in hlt", info)
}

func (c *Checker) guestShutdownValidInterrupts() error {
	info := c.entryIntrInfo()
	if !info.valid() || c.activityState() != ActivityShutdown {
		return nil
	}
	switch info.kind() {
	case IntrNMI:
		return nil
	case IntrHardwareException:
		if info.vector() == 18 {
			return nil
		}
	}
	return fail("cannot inject event (%s) into a guest in shutdown", info)
}

func (c *Checker) guestSIPIValidInterrupts() error {
	info := c.entryIntrInfo()
	if !info.valid() || c.activityState() != ActivityWaitSIPI {
		return nil
	}
	return fail("cannot inject event (%s) into a guest in wait-for-sipi", info)
}

func (c *Checker) guestValidActivityStateAndSMM() error {
	if !c.enabled(CtlEntryToSMM) {
		return nil
	}
	if c.activityState() == ActivityWaitSIPI {
		return fail("activity state must not be wait-for-sipi if entry to smm is 1")
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateReserved() error {
	if intr := c.interruptibility(); isAnyOn(intr, interruptibilityReserved) {
		return fail("guest interruptibility state 0x%x bits 31:5 must be 0", intr)
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateSTIMovSS() error {
	if isOn(c.interruptibility(), BlockingBySTI|BlockingByMovSS) {
		return fail("blocking by sti and blocking by mov ss cannot both be 1")
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateSTI() error {
	if isOn(c.get(GuestRFLAGS), RFLAGSIF) {
		return nil
	}
	if isOn(c.interruptibility(), BlockingBySTI) {
		return fail("blocking by sti must be 0 if rflags.if is 0")
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateExternalInterrupt() error {
	info := c.entryIntrInfo()
	if !info.valid() || info.kind() != IntrExternal {
		return nil
	}
	intr := c.interruptibility()
	if isOn(intr, BlockingBySTI) {
		return fail("blocking by sti must be 0 when injecting an external interrupt")
	}
	if isOn(intr, BlockingByMovSS) {
		return fail("blocking by mov ss must be 0 when injecting an external interrupt")
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateNMI() error {
	info := c.entryIntrInfo()
	if !info.valid() || info.kind() != IntrNMI {
		return nil
	}
	if isOn(c.interruptibility(), BlockingByMovSS) {
		return fail("blocking by mov ss must be 0 when injecting an nmi")
	}
	return nil
}

// guestInterruptibilityNotInSMM assumes the checker runs outside SMM, where
// blocking by SMI is only legal for an entry to SMM.
func (c *Checker) guestInterruptibilityNotInSMM() error {
	if c.enabled(CtlEntryToSMM) {
		return nil
	}
	if isOn(c.interruptibility(), BlockingBySMI) {
		return fail("blocking by smi must be 0 outside smm")
	}
	return nil
}

func (c *Checker) guestInterruptibilityEntryToSMM() error {
	if !c.enabled(CtlEntryToSMM) {
		return nil
	}
	if !isOn(c.interruptibility(), BlockingBySMI) {
		return fail("blocking by smi must be 1 if entry to smm is 1")
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateSTIAndNMI() error {
	info := c.entryIntrInfo()
	if !info.valid() || info.kind() != IntrNMI {
		return nil
	}
	if isOn(c.interruptibility(), BlockingBySTI) {
		return fail("blocking by sti must be 0 when injecting an nmi")
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateVirtualNMI() error {
	if !c.enabled(CtlVirtualNMIs) {
		return nil
	}
	info := c.entryIntrInfo()
	if !info.valid() || info.kind() != IntrNMI {
		return nil
	}
	if isOn(c.interruptibility(), BlockingByNMI) {
		return fail("blocking by nmi must be 0 when injecting an nmi with virtual nmis")
	}
	return nil
}

func (c *Checker) guestInterruptibilityStateEnclaveInterrupt() error {
	intr := c.interruptibility()
	if !isOn(intr, EnclaveInterruption) {
		return nil
	}
	if isOn(intr, BlockingByMovSS) {
		return fail("blocking by mov ss must be 0 if enclave interruption is 1")
	}
	if !c.caps.FeaturePresent(FeatureSGX) {
		return fail("enclave interruption is 1 but sgx is not supported")
	}
	return nil
}

func (c *Checker) guestPendingDebugExceptionsReserved() error {
	if v := c.get(GuestPendingDebugExcepts); isAnyOn(v, pendingDebugReserved) {
		return fail("guest pending debug exceptions 0x%x has reserved bits set", v)
	}
	return nil
}

func (c *Checker) guestPendingDebugExceptionsDbgCtl() error {
	intr := c.interruptibility()
	if !isAnyOn(intr, BlockingBySTI|BlockingByMovSS) && c.activityState() != ActivityHLT {
		return nil
	}

	bs := isOn(c.get(GuestPendingDebugExcepts), pendingDebugBS)
	tf := isOn(c.get(GuestRFLAGS), RFLAGSTF)
	btf := isOn(c.get(GuestIA32DebugCtl), debugCtlBTF)

	if !bs && tf && !btf {
		return fail("pending debug exceptions bs must be 1 if rflags.tf is 1 and debugctl.btf is 0")
	}
	if bs && !tf && btf {
		return fail("pending debug exceptions bs must be 0 if rflags.tf is 0 and debugctl.btf is 1")
	}
	return nil
}

func (c *Checker) guestPendingDebugExceptionsRTM() error {
	v := c.get(GuestPendingDebugExcepts)
	if !isOn(v, pendingDebugRTM) {
		return nil
	}
	if isAnyOn(v, pendingDebugRTMReserved) {
		return fail("pending debug exceptions 0x%x bits 3:0 and reserved bits must be 0 if rtm is 1", v)
	}
	if !isOn(v, pendingDebugEnabledBreakpoint) {
		return fail("pending debug exceptions bit 12 must be 1 if rtm is 1")
	}
	if !c.caps.FeaturePresent(FeatureRTM) {
		return fail("pending debug exceptions rtm is 1 but rtm is not supported")
	}
	if isOn(c.interruptibility(), BlockingByMovSS) {
		return fail("blocking by mov ss must be 0 if pending debug exceptions rtm is 1")
	}
	return nil
}

func (c *Checker) linkPointer() (uint64, bool) {
	ptr := c.get(VMCSLinkPointer)
	return ptr, ptr != VMCSLinkPointerUnused
}

func (c *Checker) guestVMCSLinkPointerBits11To0() error {
	ptr, used := c.linkPointer()
	if !used {
		return nil
	}
	if ptr&0xFFF != 0 {
		return fail("vmcs link pointer 0x%x bits 11:0 must be 0", ptr)
	}
	return nil
}

func (c *Checker) guestVMCSLinkPointerValidAddr() error {
	ptr, used := c.linkPointer()
	if !used {
		return nil
	}
	if !c.physAddrValid(ptr) {
		return fail("vmcs link pointer 0x%x exceeds the physical-address width", ptr)
	}
	return nil
}

func (c *Checker) guestVMCSLinkPointerFirstWord() error {
	ptr, used := c.linkPointer()
	if !used {
		return nil
	}

	w, err := ReadUint32(c.mem, ptr)
	if err != nil {
		return fail("vmcs link pointer 0x%x could not be read: %v", ptr, err)
	}
	word := uint64(w)

	revision := c.caps.AllowedSettings(MSRVMXBasic) & 0x7FFFFFFF
	if word&0x7FFFFFFF != revision {
		return fail("linked vmcs revision 0x%x must equal the processor's revision 0x%x", word&0x7FFFFFFF, revision)
	}
	if !c.secondaryEnabled(CtlVMCSShadowing) {
		return nil
	}
	if !isOn(word, vmcsShadowIndicator) {
		return fail("linked vmcs shadow-vmcs indicator must be 1 if vmcs shadowing is 1")
	}
	return nil
}

// guestVMCSLinkPointerNotInSMM and guestVMCSLinkPointerInSMM cover the
// dual-monitor treatment of SMIs, which is not supported; they always pass.
func (c *Checker) guestVMCSLinkPointerNotInSMM() error { return nil }

func (c *Checker) guestVMCSLinkPointerInSMM() error { return nil }

// pae32 reports whether the guest uses PAE paging outside IA-32e mode.
func (c *Checker) pae32() bool {
	return isOn(c.get(GuestCR0), CR0Paging) && isOn(c.get(GuestCR4), CR4PAE) && !c.ia32eGuest()
}

func (c *Checker) pdpteReservedMask() uint64 {
	return c.physAddrReservedMask() | pdpteReservedLow
}

func (c *Checker) guestValidPDPTEWithEPTDisabled(i int) error {
	if !c.pae32() || c.secondaryEnabled(CtlEnableEPT) {
		return nil
	}

	pdpt := c.get(GuestCR3) & 0xFFFFFFE0
	entry, err := c.readPhys(fmt.Sprintf("pdpte%d", i), pdpt+uint64(i)*8)
	if err != nil {
		return err
	}
	if bad := entry & c.pdpteReservedMask(); bad != 0 {
		return fail("pdpte%d 0x%x has reserved bits 0x%x set with ept disabled and pae paging enabled", i, entry, bad)
	}
	return nil
}

func (c *Checker) guestValidPDPTEWithEPTEnabled(i int) error {
	if !c.pae32() || !c.secondaryEnabled(CtlEnableEPT) {
		return nil
	}

	entry := c.get(GuestPDPTEs[i])
	if bad := entry & c.pdpteReservedMask(); bad != 0 {
		return fail("pdpte%d 0x%x has reserved bits 0x%x set with ept and pae paging enabled", i, entry, bad)
	}
	return nil
}
