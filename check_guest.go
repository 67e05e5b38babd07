package vmcs

var guestControlRegisters = Group{Name: "control_registers_debug_registers_and_msrs", Rules: []Rule{
	{"guest_cr0_for_unsupported_bits", (*Checker).guestCR0ForUnsupportedBits},
	{"guest_cr0_verify_paging_enabled", (*Checker).guestCR0VerifyPagingEnabled},
	{"guest_cr4_for_unsupported_bits", (*Checker).guestCR4ForUnsupportedBits},
	{"guest_load_debug_controls_verify_reserved", (*Checker).guestLoadDebugControlsVerifyReserved},
	{"guest_verify_ia_32e_mode_enabled", (*Checker).guestVerifyIA32eModeEnabled},
	{"guest_verify_ia_32e_mode_disabled", (*Checker).guestVerifyIA32eModeDisabled},
	{"guest_cr3_for_unsupported_bits", (*Checker).guestCR3ForUnsupportedBits},
	{"guest_load_debug_controls_verify_dr7", (*Checker).guestLoadDebugControlsVerifyDR7},
	{"guest_ia32_sysenter_esp_canonical_address", (*Checker).guestIA32SysenterESPCanonicalAddress},
	{"guest_ia32_sysenter_eip_canonical_address", (*Checker).guestIA32SysenterEIPCanonicalAddress},
	{"guest_verify_load_ia32_perf_global_ctrl", (*Checker).guestVerifyLoadIA32PerfGlobalCtrl},
	{"guest_verify_load_ia32_pat", (*Checker).guestVerifyLoadIA32PAT},
	{"guest_verify_load_ia32_efer", (*Checker).guestVerifyLoadIA32EFER},
	{"guest_verify_load_ia32_bndcfgs", (*Checker).guestVerifyLoadIA32BNDCFGS},
}}

const (
	debugCtlBTF      = 1 << 1
	debugCtlReserved = 0xFFFFFFFFFFFF003C

	bndcfgsReserved = 0x0000000000000FFC
)

func (c *Checker) guestCR0ForUnsupportedBits() error {
	fixed0 := c.caps.AllowedSettings(MSRVMXCR0Fixed0)
	fixed1 := c.caps.AllowedSettings(MSRVMXCR0Fixed1)
	if c.unrestrictedGuest() {
		fixed0 &^= CR0Paging | CR0ProtectionEnable
	}
	return checkFixedBits("guest cr0", c.get(GuestCR0), fixed0, fixed1)
}

func (c *Checker) guestCR0VerifyPagingEnabled() error {
	cr0 := c.get(GuestCR0)
	if isOn(cr0, CR0Paging) && !isOn(cr0, CR0ProtectionEnable) {
		return fail("guest cr0 0x%x: paging requires protection enable", cr0)
	}
	return nil
}

func (c *Checker) guestCR4ForUnsupportedBits() error {
	return checkFixedBits("guest cr4", c.get(GuestCR4),
		c.caps.AllowedSettings(MSRVMXCR4Fixed0), c.caps.AllowedSettings(MSRVMXCR4Fixed1))
}

func (c *Checker) guestLoadDebugControlsVerifyReserved() error {
	if !c.enabled(CtlEntryLoadDebugControls) {
		return nil
	}
	if v := c.get(GuestIA32DebugCtl); isAnyOn(v, debugCtlReserved) {
		return fail("guest debugctl 0x%x has reserved bits set", v)
	}
	return nil
}

func (c *Checker) guestVerifyIA32eModeEnabled() error {
	if !c.enabled(CtlIA32eModeGuest) {
		return nil
	}
	if !isOn(c.get(GuestCR0), CR0Paging) {
		return fail("guest cr0.pg must be 1 if ia-32e mode guest is 1")
	}
	if !isOn(c.get(GuestCR4), CR4PAE) {
		return fail("guest cr4.pae must be 1 if ia-32e mode guest is 1")
	}
	return nil
}

func (c *Checker) guestVerifyIA32eModeDisabled() error {
	if c.enabled(CtlIA32eModeGuest) {
		return nil
	}
	if isOn(c.get(GuestCR4), CR4PCIDE) {
		return fail("guest cr4.pcide must be 0 if ia-32e mode guest is 0")
	}
	return nil
}

func (c *Checker) guestCR3ForUnsupportedBits() error {
	if cr3 := c.get(GuestCR3); !c.physAddrValid(cr3) {
		return fail("guest cr3 0x%x exceeds the physical-address width (%d bits)", cr3, c.caps.PhysAddrWidth())
	}
	return nil
}

func (c *Checker) guestLoadDebugControlsVerifyDR7() error {
	if !c.enabled(CtlEntryLoadDebugControls) {
		return nil
	}
	if dr7 := c.get(GuestDR7); dr7&0xFFFFFFFF00000000 != 0 {
		return fail("guest dr7 0x%x bits 63:32 must be 0", dr7)
	}
	return nil
}

func (c *Checker) guestIA32SysenterESPCanonicalAddress() error {
	if esp := c.get(GuestIA32SysenterESP); !isCanonical(esp) {
		return fail("guest sysenter esp 0x%x must be canonical", esp)
	}
	return nil
}

func (c *Checker) guestIA32SysenterEIPCanonicalAddress() error {
	if eip := c.get(GuestIA32SysenterEIP); !isCanonical(eip) {
		return fail("guest sysenter eip 0x%x must be canonical", eip)
	}
	return nil
}

func (c *Checker) guestVerifyLoadIA32PerfGlobalCtrl() error {
	if !c.enabled(CtlEntryLoadPerfGlobalCtrl) {
		return nil
	}
	if v := c.get(GuestIA32PerfGlobalCtrl); isAnyOn(v, perfGlobalCtrlReserved) {
		return fail("guest perf global ctrl 0x%x has reserved bits set", v)
	}
	return nil
}

func (c *Checker) guestVerifyLoadIA32PAT() error {
	if !c.enabled(CtlEntryLoadPAT) {
		return nil
	}
	return checkPAT("guest pat", c.get(GuestIA32PAT))
}

func (c *Checker) guestVerifyLoadIA32EFER() error {
	if !c.enabled(CtlEntryLoadEFER) {
		return nil
	}

	efer := c.get(GuestIA32EFER)
	if isAnyOn(efer, eferReserved) {
		return fail("guest efer 0x%x has reserved bits set", efer)
	}

	lma := isOn(efer, EFERLMA)
	lme := isOn(efer, EFERLME)
	if ia32e := c.enabled(CtlIA32eModeGuest); lma != ia32e {
		return fail("guest efer.lma (%t) must equal ia-32e mode guest (%t)", lma, ia32e)
	}
	if !isOn(c.get(GuestCR0), CR0Paging) {
		return nil
	}
	if lme != lma {
		return fail("guest efer.lme (%t) must equal efer.lma (%t) when cr0.pg is 1", lme, lma)
	}
	return nil
}

func (c *Checker) guestVerifyLoadIA32BNDCFGS() error {
	if !c.enabled(CtlEntryLoadBNDCFGS) {
		return nil
	}

	v := c.get(GuestIA32BNDCFGS)
	if isAnyOn(v, bndcfgsReserved) {
		return fail("guest bndcfgs 0x%x bits 11:2 must be 0", v)
	}
	if base := v & 0xFFFFFFFFFFFFF000; !isCanonical(base) {
		return fail("guest bndcfgs base 0x%x must be canonical", base)
	}
	return nil
}
