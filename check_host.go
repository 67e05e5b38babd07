package vmcs

var hostControlRegisters = Group{Name: "control_registers_and_msrs", Rules: []Rule{
	{"host_cr0_for_unsupported_bits", (*Checker).hostCR0ForUnsupportedBits},
	{"host_cr4_for_unsupported_bits", (*Checker).hostCR4ForUnsupportedBits},
	{"host_cr3_for_unsupported_bits", (*Checker).hostCR3ForUnsupportedBits},
	{"host_ia32_sysenter_esp_canonical_address", (*Checker).hostIA32SysenterESPCanonicalAddress},
	{"host_ia32_sysenter_eip_canonical_address", (*Checker).hostIA32SysenterEIPCanonicalAddress},
	{"host_verify_load_ia32_perf_global_ctrl", (*Checker).hostVerifyLoadIA32PerfGlobalCtrl},
	{"host_verify_load_ia32_pat", (*Checker).hostVerifyLoadIA32PAT},
	{"host_verify_load_ia32_efer", (*Checker).hostVerifyLoadIA32EFER},
}}

var hostSegments = Group{Name: "segment_and_descriptor_table_registers", Rules: []Rule{
	{"host_es_selector_rpl_ti_equal_zero", hostSelectorRPLTIEqualZero(HostESSelector)},
	{"host_cs_selector_rpl_ti_equal_zero", hostSelectorRPLTIEqualZero(HostCSSelector)},
	{"host_ss_selector_rpl_ti_equal_zero", hostSelectorRPLTIEqualZero(HostSSSelector)},
	{"host_ds_selector_rpl_ti_equal_zero", hostSelectorRPLTIEqualZero(HostDSSelector)},
	{"host_fs_selector_rpl_ti_equal_zero", hostSelectorRPLTIEqualZero(HostFSSelector)},
	{"host_gs_selector_rpl_ti_equal_zero", hostSelectorRPLTIEqualZero(HostGSSelector)},
	{"host_tr_selector_rpl_ti_equal_zero", hostSelectorRPLTIEqualZero(HostTRSelector)},
	{"host_cs_not_equal_zero", (*Checker).hostCSNotEqualZero},
	{"host_tr_not_equal_zero", (*Checker).hostTRNotEqualZero},
	{"host_ss_not_equal_zero", (*Checker).hostSSNotEqualZero},
	{"host_fs_canonical_base_address", hostCanonicalBase(HostFSBase)},
	{"host_gs_canonical_base_address", hostCanonicalBase(HostGSBase)},
	{"host_gdtr_canonical_base_address", hostCanonicalBase(HostGDTRBase)},
	{"host_idtr_canonical_base_address", hostCanonicalBase(HostIDTRBase)},
	{"host_tr_canonical_base_address", hostCanonicalBase(HostTRBase)},
}}

var hostAddressSpace = Group{Name: "address_space_size", Rules: []Rule{
	{"host_if_outside_ia32e_mode", (*Checker).hostIfOutsideIA32eMode},
	{"host_address_space_size_exit_ctl_is_set", (*Checker).hostAddressSpaceSizeExitCtlIsSet},
	{"host_address_space_disabled", (*Checker).hostAddressSpaceDisabled},
	{"host_address_space_enabled", (*Checker).hostAddressSpaceEnabled},
}}

const perfGlobalCtrlReserved = 0xFFFFFFF8FFFFFFFC

// checkFixedBits verifies cr against a fixed0/fixed1 MSR pair.
func checkFixedBits(name string, cr, fixed0, fixed1 uint64) error {
	if bad := (^cr & fixed0) | (cr &^ fixed1); bad != 0 {
		return fail("%s 0x%x has unsupported bits 0x%x (fixed0 0x%x, fixed1 0x%x)", name, cr, bad, fixed0, fixed1)
	}
	return nil
}

func (c *Checker) hostCR0ForUnsupportedBits() error {
	return checkFixedBits("host cr0", c.get(HostCR0),
		c.caps.AllowedSettings(MSRVMXCR0Fixed0), c.caps.AllowedSettings(MSRVMXCR0Fixed1))
}

func (c *Checker) hostCR4ForUnsupportedBits() error {
	return checkFixedBits("host cr4", c.get(HostCR4),
		c.caps.AllowedSettings(MSRVMXCR4Fixed0), c.caps.AllowedSettings(MSRVMXCR4Fixed1))
}

func (c *Checker) hostCR3ForUnsupportedBits() error {
	if cr3 := c.get(HostCR3); !c.physAddrValid(cr3) {
		return fail("host cr3 0x%x exceeds the physical-address width (%d bits)", cr3, c.caps.PhysAddrWidth())
	}
	return nil
}

func (c *Checker) hostIA32SysenterESPCanonicalAddress() error {
	if esp := c.get(HostIA32SysenterESP); !isCanonical(esp) {
		return fail("host sysenter esp 0x%x must be canonical", esp)
	}
	return nil
}

func (c *Checker) hostIA32SysenterEIPCanonicalAddress() error {
	if eip := c.get(HostIA32SysenterEIP); !isCanonical(eip) {
		return fail("host sysenter eip 0x%x must be canonical", eip)
	}
	return nil
}

func (c *Checker) hostVerifyLoadIA32PerfGlobalCtrl() error {
	if !c.enabled(CtlExitLoadPerfGlobalCtrl) {
		return nil
	}
	if v := c.get(HostIA32PerfGlobalCtrl); isAnyOn(v, perfGlobalCtrlReserved) {
		return fail("host perf global ctrl 0x%x has reserved bits set", v)
	}
	return nil
}

func (c *Checker) hostVerifyLoadIA32PAT() error {
	if !c.enabled(CtlExitLoadPAT) {
		return nil
	}
	return checkPAT("host pat", c.get(HostIA32PAT))
}

func (c *Checker) hostVerifyLoadIA32EFER() error {
	if !c.enabled(CtlExitLoadEFER) {
		return nil
	}

	efer := c.get(HostIA32EFER)
	if isAnyOn(efer, eferReserved) {
		return fail("host efer 0x%x has reserved bits set", efer)
	}

	lma := isOn(efer, EFERLMA)
	lme := isOn(efer, EFERLME)
	if hostAS := c.enabled(CtlHostAddressSpaceSize); lma != hostAS {
		return fail("host efer.lma (%t) must equal host address space size (%t)", lma, hostAS)
	}
	if !isOn(c.get(HostCR0), CR0Paging) {
		return nil
	}
	if lme != lma {
		return fail("host efer.lme (%t) must equal efer.lma (%t) when cr0.pg is 1", lme, lma)
	}
	return nil
}

func hostSelectorRPLTIEqualZero(f *Field) func(*Checker) error {
	return func(c *Checker) error {
		sel := c.get(f)
		if isOn(sel, 1<<2) {
			return fail("%s 0x%x ti flag must be 0", f.Name, sel)
		}
		if sel&0x3 != 0 {
			return fail("%s 0x%x rpl must be 0", f.Name, sel)
		}
		return nil
	}
}

func (c *Checker) hostCSNotEqualZero() error {
	if c.get(HostCSSelector) == 0 {
		return fail("host cs selector must not be 0")
	}
	return nil
}

func (c *Checker) hostTRNotEqualZero() error {
	if c.get(HostTRSelector) == 0 {
		return fail("host tr selector must not be 0")
	}
	return nil
}

func (c *Checker) hostSSNotEqualZero() error {
	if c.enabled(CtlHostAddressSpaceSize) {
		return nil
	}
	if c.get(HostSSSelector) == 0 {
		return fail("host ss selector must not be 0 if host address space size is 0")
	}
	return nil
}

func hostCanonicalBase(f *Field) func(*Checker) error {
	return func(c *Checker) error {
		if base := c.get(f); !isCanonical(base) {
			return fail("%s 0x%x must be canonical", f.Name, base)
		}
		return nil
	}
}

// liveLMA reports IA32_EFER.LMA of the processor running the checker.
func (c *Checker) liveLMA() bool {
	return isOn(c.caps.AllowedSettings(MSRIA32EFER), EFERLMA)
}

func (c *Checker) hostIfOutsideIA32eMode() error {
	if c.liveLMA() {
		return nil
	}
	if c.enabled(CtlIA32eModeGuest) {
		return fail("ia-32e mode guest must be 0 if efer.lma is 0")
	}
	if c.enabled(CtlHostAddressSpaceSize) {
		return fail("host address space size must be 0 if efer.lma is 0")
	}
	return nil
}

func (c *Checker) hostAddressSpaceSizeExitCtlIsSet() error {
	if !c.liveLMA() {
		return nil
	}
	if !c.enabled(CtlHostAddressSpaceSize) {
		return fail("host address space size must be 1 if efer.lma is 1")
	}
	return nil
}

func (c *Checker) hostAddressSpaceDisabled() error {
	if c.enabled(CtlHostAddressSpaceSize) {
		return nil
	}
	if c.enabled(CtlIA32eModeGuest) {
		return fail("ia-32e mode guest must be 0 if host address space size is 0")
	}
	if isOn(c.get(HostCR4), CR4PCIDE) {
		return fail("host cr4.pcide must be 0 if host address space size is 0")
	}
	if rip := c.get(HostRIP); rip&0xFFFFFFFF00000000 != 0 {
		return fail("host rip 0x%x bits 63:32 must be 0 if host address space size is 0", rip)
	}
	return nil
}

func (c *Checker) hostAddressSpaceEnabled() error {
	if !c.enabled(CtlHostAddressSpaceSize) {
		return nil
	}
	if !isOn(c.get(HostCR4), CR4PAE) {
		return fail("host cr4.pae must be 1 if host address space size is 1")
	}
	if rip := c.get(HostRIP); !isCanonical(rip) {
		return fail("host rip 0x%x must be canonical", rip)
	}
	return nil
}
