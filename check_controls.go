package vmcs

import "github.com/sirupsen/logrus"

var controlsExecution = Group{Name: "execution", Rules: []Rule{
	{"control_pin_based_ctls_reserved_properly_set", (*Checker).controlPinBasedCtlsReservedProperlySet},
	{"control_proc_based_ctls_reserved_properly_set", (*Checker).controlProcBasedCtlsReservedProperlySet},
	{"control_proc_based_ctls2_reserved_properly_set", (*Checker).controlProcBasedCtls2ReservedProperlySet},
	{"control_cr3_count_less_than_4", (*Checker).controlCR3CountLessThan4},
	{"control_io_bitmap_address_bits", (*Checker).controlIOBitmapAddressBits},
	{"control_msr_bitmap_address_bits", (*Checker).controlMSRBitmapAddressBits},
	{"control_tpr_shadow_and_virtual_apic", (*Checker).controlTPRShadowAndVirtualAPIC},
	{"control_nmi_exiting_and_virtual_nmi", (*Checker).controlNMIExitingAndVirtualNMI},
	{"control_virtual_nmi_and_nmi_window", (*Checker).controlVirtualNMIAndNMIWindow},
	{"control_virtual_apic_address_bits", (*Checker).controlVirtualAPICAddressBits},
	{"control_x2apic_mode_and_virtual_apic_access", (*Checker).controlX2APICModeAndVirtualAPICAccess},
	{"control_virtual_interrupt_and_external_interrupt", (*Checker).controlVirtualInterruptAndExternalInterrupt},
	{"control_process_posted_interrupt_checks", (*Checker).controlProcessPostedInterruptChecks},
	{"control_vpid_checks", (*Checker).controlVPIDChecks},
	{"control_enable_ept_checks", (*Checker).controlEnableEPTChecks},
	{"control_unrestricted_guests", (*Checker).controlUnrestrictedGuests},
	{"control_enable_vm_functions", (*Checker).controlEnableVMFunctions},
	{"control_enable_vmcs_shadowing", (*Checker).controlEnableVMCSShadowing},
	{"control_enable_ept_violation_checks", (*Checker).controlEnableEPTViolationChecks},
	{"control_enable_pml_checks", (*Checker).controlEnablePMLChecks},
}}

var controlsExit = Group{Name: "exit", Rules: []Rule{
	{"control_vm_exit_ctls_reserved_properly_set", (*Checker).controlVMExitCtlsReservedProperlySet},
	{"control_activate_and_save_preemption_timer_must_be_0", (*Checker).controlActivateAndSavePreemptionTimerMustBe0},
	{"control_exit_msr_store_address", (*Checker).controlExitMSRStoreAddress},
	{"control_exit_msr_load_address", (*Checker).controlExitMSRLoadAddress},
}}

var controlsEntry = Group{Name: "entry", Rules: []Rule{
	{"control_vm_entry_ctls_reserved_properly_set", (*Checker).controlVMEntryCtlsReservedProperlySet},
	{"control_event_injection_type_vector_checks", (*Checker).controlEventInjectionTypeVectorChecks},
	{"control_event_injection_delivery_ec_checks", (*Checker).controlEventInjectionDeliveryECChecks},
	{"control_event_injection_reserved_bits_checks", (*Checker).controlEventInjectionReservedBitsChecks},
	{"control_event_injection_ec_checks", (*Checker).controlEventInjectionECChecks},
	{"control_event_injection_instr_length_checks", (*Checker).controlEventInjectionInstrLengthChecks},
	{"control_entry_msr_load_address", (*Checker).controlEntryMSRLoadAddress},
}}

// EPT pointer layout
const (
	eptpMemTypeUC    = 0
	eptpMemTypeWB    = 6
	eptpWalkLength4  = 3
	eptpAccessDirty  = 1 << 6
	eptpReservedMask = 0xFFFF000000000F80

	eptCapUC          = 1 << 8
	eptCapWB          = 1 << 14
	eptCapAccessDirty = 1 << 21

	vmfuncEPTPSwitching = 1 << 0

	vmxMiscZeroLengthInject = 1 << 30
)

// controlReservedProperlySet verifies ctls against an allowed-0/allowed-1 MSR.
// With checkAllowed1 false only the allowed-0 half is enforced.
func (c *Checker) controlReservedProperlySet(msr uint32, ctls uint64, checkAllowed1 bool) error {
	caps := c.caps.AllowedSettings(msr)
	a0 := allowed0(caps)
	a1 := allowed1(caps)
	ctls &= 0xFFFFFFFF

	if a0&ctls != a0 {
		c.log.WithFields(logrus.Fields{
			"msr":      MSRName(msr),
			"allowed0": a0,
			"ctls":     ctls,
		}).Debug("allowed-0 control bits are cleared")
		return fail("controls 0x%x clear bits 0x%x required by %s", ctls, a0&^ctls, MSRName(msr))
	}

	if checkAllowed1 && ctls&^a1 != 0 {
		c.log.WithFields(logrus.Fields{
			"msr":      MSRName(msr),
			"allowed1": a1,
			"ctls":     ctls,
		}).Debug("control bits set that are not allowed-1")
		return fail("controls 0x%x set bits 0x%x not allowed by %s", ctls, ctls&^a1, MSRName(msr))
	}
	return nil
}

func (c *Checker) controlPinBasedCtlsReservedProperlySet() error {
	return c.controlReservedProperlySet(MSRVMXTruePinbasedCtls, c.get(PinBasedControls), true)
}

func (c *Checker) controlProcBasedCtlsReservedProperlySet() error {
	return c.controlReservedProperlySet(MSRVMXTrueProcbasedCtls, c.get(ProcBasedControls), true)
}

func (c *Checker) controlProcBasedCtls2ReservedProperlySet() error {
	if !c.store.Exists(ProcBasedControls2) {
		return nil
	}
	return c.controlReservedProperlySet(MSRVMXProcbasedCtls2, c.get(ProcBasedControls2),
		c.enabled(CtlActivateSecondaryControls))
}

func (c *Checker) controlCR3CountLessThan4() error {
	if n := c.get(CR3TargetCount); n > 4 {
		return fail("cr3 target count %d must be 4 or less", n)
	}
	return nil
}

func (c *Checker) controlIOBitmapAddressBits() error {
	if !c.enabled(CtlUseIOBitmaps) {
		return nil
	}
	if err := c.checkPageAddr("io bitmap a", c.get(IOBitmapA)); err != nil {
		return err
	}
	return c.checkPageAddr("io bitmap b", c.get(IOBitmapB))
}

func (c *Checker) controlMSRBitmapAddressBits() error {
	if !c.enabled(CtlUseMSRBitmaps) {
		return nil
	}
	return c.checkPageAddr("msr bitmap", c.get(MSRBitmap))
}

func (c *Checker) controlTPRShadowAndVirtualAPIC() error {
	if !c.enabled(CtlUseTPRShadow) {
		if !c.enabled(CtlActivateSecondaryControls) {
			return nil
		}
		if c.enabledIfExists(CtlVirtualizeX2APICMode) {
			return fail("virtualize x2apic mode must be 0 if use tpr shadow is 0")
		}
		if c.enabledIfExists(CtlAPICRegisterVirtualization) {
			return fail("apic register virtualization must be 0 if use tpr shadow is 0")
		}
		if c.enabledIfExists(CtlVirtualInterruptDelivery) {
			return fail("virtual interrupt delivery must be 0 if use tpr shadow is 0")
		}
		return nil
	}

	phys := c.get(VirtualAPICAddr)
	if phys == 0 {
		return fail("virtual apic address must not be 0")
	}
	if err := c.checkPageAddr("virtual apic address", phys); err != nil {
		return err
	}

	if c.secondaryEnabled(CtlVirtualInterruptDelivery) {
		return nil
	}

	threshold := c.get(TPRThreshold)
	if threshold&0xFFFFFFF0 != 0 {
		return fail("tpr threshold 0x%x bits 31:4 must be 0", threshold)
	}

	if c.secondaryEnabled(CtlVirtualizeAPICAccesses) {
		return nil
	}

	page, err := c.mem.PhysToVirt(phys)
	if err != nil || len(page) <= 0x80 {
		return fail("virtual apic page at 0x%x could not be read: %v", phys, err)
	}
	vtpr := uint64(page[0x80]>>4) & 0xF
	if threshold&0xF > vtpr {
		return fail("tpr threshold %d exceeds vtpr[7:4] %d", threshold&0xF, vtpr)
	}
	return nil
}

func (c *Checker) controlNMIExitingAndVirtualNMI() error {
	if c.enabled(CtlNMIExiting) {
		return nil
	}
	if c.enabled(CtlVirtualNMIs) {
		return fail("virtual nmis must be 0 if nmi exiting is 0")
	}
	return nil
}

func (c *Checker) controlVirtualNMIAndNMIWindow() error {
	if c.enabled(CtlVirtualNMIs) {
		return nil
	}
	if c.enabled(CtlNMIWindowExiting) {
		return fail("nmi window exiting must be 0 if virtual nmis is 0")
	}
	return nil
}

func (c *Checker) controlVirtualAPICAddressBits() error {
	if !c.secondaryEnabled(CtlVirtualizeAPICAccesses) {
		return nil
	}
	phys := c.get(APICAccessAddr)
	if phys == 0 {
		return fail("apic access address must not be 0")
	}
	return c.checkPageAddr("apic access address", phys)
}

func (c *Checker) controlX2APICModeAndVirtualAPICAccess() error {
	if !c.secondaryEnabled(CtlVirtualizeX2APICMode) {
		return nil
	}
	if c.enabledIfExists(CtlVirtualizeAPICAccesses) {
		return fail("virtualize apic accesses must be 0 if virtualize x2apic mode is 1")
	}
	return nil
}

func (c *Checker) controlVirtualInterruptAndExternalInterrupt() error {
	if !c.secondaryEnabled(CtlVirtualInterruptDelivery) {
		return nil
	}
	if !c.enabled(CtlExternalInterruptExiting) {
		return fail("external interrupt exiting must be 1 if virtual interrupt delivery is 1")
	}
	return nil
}

func (c *Checker) controlProcessPostedInterruptChecks() error {
	if !c.enabled(CtlProcessPostedInterrupts) {
		return nil
	}
	if !c.secondaryEnabled(CtlVirtualInterruptDelivery) {
		return fail("virtual interrupt delivery must be 1 if process posted interrupts is 1")
	}
	if !c.enabled(CtlAckInterruptOnExit) {
		return fail("acknowledge interrupt on exit must be 1 if process posted interrupts is 1")
	}

	if vector := c.get(PostedIntrNotifyVector); vector&0xFF00 != 0 {
		return fail("posted interrupt notification vector 0x%x bits 15:8 must be 0", vector)
	}

	addr := c.get(PostedIntrDescAddr)
	if addr&0x3F != 0 {
		return fail("posted interrupt descriptor address 0x%x bits 5:0 must be 0", addr)
	}
	if !c.physAddrValid(addr) {
		return fail("posted interrupt descriptor address 0x%x exceeds the physical-address width", addr)
	}
	return nil
}

func (c *Checker) controlVPIDChecks() error {
	if !c.secondaryEnabled(CtlEnableVPID) {
		return nil
	}
	if c.get(VPID) == 0 {
		return fail("vpid must not be 0 if enable vpid is 1")
	}
	return nil
}

func (c *Checker) controlEnableEPTChecks() error {
	if !c.secondaryEnabled(CtlEnableEPT) {
		return nil
	}

	eptp := c.get(EPTPointer)
	epc := c.caps.AllowedSettings(MSRVMXEPTVPIDCap)

	switch memType := eptp & 0x7; memType {
	case eptpMemTypeUC:
		if !isOn(epc, eptCapUC) {
			return fail("ept memory type uncacheable is not supported")
		}
	case eptpMemTypeWB:
		if !isOn(epc, eptCapWB) {
			return fail("ept memory type write-back is not supported")
		}
	default:
		return fail("unknown eptp memory type %d", memType)
	}

	if walk := (eptp >> 3) & 0x7; walk != eptpWalkLength4 {
		return fail("eptp page-walk length minus one must be 3, got %d", walk)
	}
	if isOn(eptp, eptpAccessDirty) && !isOn(epc, eptCapAccessDirty) {
		return fail("ept accessed and dirty flags are not supported")
	}
	if isAnyOn(eptp, eptpReservedMask) {
		return fail("eptp 0x%x bits 11:7 and 63:48 must be 0", eptp)
	}
	return nil
}

func (c *Checker) controlUnrestrictedGuests() error {
	if !c.secondaryEnabled(CtlUnrestrictedGuest) {
		return nil
	}
	if !c.enabledIfExists(CtlEnableEPT) {
		return fail("enable ept must be 1 if unrestricted guest is 1")
	}
	return nil
}

func (c *Checker) controlEnableVMFunctions() error {
	if !c.secondaryEnabled(CtlEnableVMFunctions) {
		return nil
	}
	if !c.store.Exists(VMFuncControls) {
		return nil
	}

	ctls := c.get(VMFuncControls)
	if bad := ctls &^ c.caps.AllowedSettings(MSRVMXVMFunc); bad != 0 {
		return fail("vm function controls 0x%x set unsupported bits 0x%x", ctls, bad)
	}
	if !isOn(ctls, vmfuncEPTPSwitching) {
		return nil
	}
	if !c.enabledIfExists(CtlEnableEPT) {
		return fail("enable ept must be 1 if eptp switching is 1")
	}
	return c.checkPageAddr("eptp list address", c.getIfExists(EPTPListAddr))
}

func (c *Checker) controlEnableVMCSShadowing() error {
	if !c.secondaryEnabled(CtlVMCSShadowing) {
		return nil
	}
	if err := c.checkPageAddr("vmread bitmap address", c.getIfExists(VMReadBitmapAddr)); err != nil {
		return err
	}
	return c.checkPageAddr("vmwrite bitmap address", c.getIfExists(VMWriteBitmapAddr))
}

func (c *Checker) controlEnableEPTViolationChecks() error {
	if !c.secondaryEnabled(CtlEPTViolationVE) {
		return nil
	}
	return c.checkPageAddr("virtualization exception information address", c.getIfExists(VEInfoAddr))
}

func (c *Checker) controlEnablePMLChecks() error {
	if !c.secondaryEnabled(CtlEnablePML) {
		return nil
	}
	if !c.enabledIfExists(CtlEnableEPT) {
		return fail("enable ept must be 1 if enable pml is 1")
	}
	return c.checkPageAddr("pml address", c.getIfExists(PMLAddr))
}

func (c *Checker) controlVMExitCtlsReservedProperlySet() error {
	return c.controlReservedProperlySet(MSRVMXTrueExitCtls, c.get(ExitControls), true)
}

func (c *Checker) controlActivateAndSavePreemptionTimerMustBe0() error {
	if c.enabled(CtlActivatePreemptionTimer) {
		return nil
	}
	if c.enabled(CtlSavePreemptionTimer) {
		return fail("save vmx preemption timer value must be 0 if activate vmx preemption timer is 0")
	}
	return nil
}

// checkMSRArea verifies an MSR load/store area of count 16-byte entries.
func (c *Checker) checkMSRArea(what string, addr, count uint64) error {
	if count == 0 {
		return nil
	}
	if addr&0xF != 0 {
		return fail("%s 0x%x bits 3:0 must be 0", what, addr)
	}
	if !c.physAddrValid(addr) {
		return fail("%s 0x%x exceeds the physical-address width", what, addr)
	}
	end := addr + count*16 - 1
	if end < addr || !c.physAddrValid(end) {
		return fail("%s end 0x%x (count %d) exceeds the physical-address width", what, end, count)
	}
	return nil
}

func (c *Checker) controlExitMSRStoreAddress() error {
	return c.checkMSRArea("vm-exit msr-store address", c.get(ExitMSRStoreAddr), c.get(ExitMSRStoreCount))
}

func (c *Checker) controlExitMSRLoadAddress() error {
	return c.checkMSRArea("vm-exit msr-load address", c.get(ExitMSRLoadAddr), c.get(ExitMSRLoadCount))
}

func (c *Checker) controlEntryMSRLoadAddress() error {
	return c.checkMSRArea("vm-entry msr-load address", c.get(EntryMSRLoadAddr), c.get(EntryMSRLoadCount))
}

func (c *Checker) controlVMEntryCtlsReservedProperlySet() error {
	return c.controlReservedProperlySet(MSRVMXTrueEntryCtls, c.get(EntryControls), true)
}

func (c *Checker) entryIntrInfo() intrInfo {
	return intrInfo(c.get(EntryInterruptionInfo))
}

func (c *Checker) controlEventInjectionTypeVectorChecks() error {
	info := c.entryIntrInfo()
	if !info.valid() {
		return nil
	}

	kind, vector := info.kind(), info.vector()
	if kind == IntrReserved {
		return fail("interruption type 1 is reserved")
	}
	if kind == IntrOtherEvent && !isOn(allowed1(c.caps.AllowedSettings(MSRVMXTrueProcbasedCtls)), CtlMonitorTrapFlag.Mask()) {
		return fail("interruption type 7 requires monitor trap flag support")
	}
	if kind == IntrNMI && vector != 2 {
		return fail("nmi injection must use vector 2, got %d", vector)
	}
	if kind == IntrHardwareException && vector > 31 {
		return fail("hardware exception vector %d must be 31 or less", vector)
	}
	if kind == IntrOtherEvent && vector != 0 {
		return fail("other event injection must use vector 0, got %d", vector)
	}
	return nil
}

// exceptionHasErrorCode reports whether an exception vector pushes an error code.
func exceptionHasErrorCode(vector uint64) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	}
	return false
}

func (c *Checker) controlEventInjectionDeliveryECChecks() error {
	info := c.entryIntrInfo()
	if !info.valid() {
		return nil
	}

	realMode := c.unrestrictedGuest() && !isOn(c.get(GuestCR0), CR0ProtectionEnable)
	if realMode && info.deliverErrorCode() {
		return fail("deliver error code must be 0 for an unrestricted guest with cr0.pe 0")
	}
	if info.kind() != IntrHardwareException {
		if info.deliverErrorCode() {
			return fail("deliver error code requires interruption type 3, got %d", info.kind())
		}
		return nil
	}

	if exceptionHasErrorCode(info.vector()) {
		// Real-mode delivery never pushes an error code.
		if !realMode && !info.deliverErrorCode() {
			return fail("deliver error code must be 1 for vector %d", info.vector())
		}
	} else if info.deliverErrorCode() {
		return fail("vector %d does not deliver an error code", info.vector())
	}
	return nil
}

func (c *Checker) controlEventInjectionReservedBitsChecks() error {
	info := c.entryIntrInfo()
	if !info.valid() {
		return nil
	}
	if info.reserved() != 0 {
		return fail("interruption information 0x%x bits 30:12 must be 0", uint64(info))
	}
	return nil
}

func (c *Checker) controlEventInjectionECChecks() error {
	info := c.entryIntrInfo()
	if !info.valid() || !info.deliverErrorCode() {
		return nil
	}
	if ec := c.get(EntryExceptionErrCode); ec&0xFFFF8000 != 0 {
		return fail("exception error code 0x%x bits 31:15 must be 0", ec)
	}
	return nil
}

func (c *Checker) controlEventInjectionInstrLengthChecks() error {
	info := c.entryIntrInfo()
	if !info.valid() {
		return nil
	}
	switch info.kind() {
	case IntrSoftwareInterrupt, IntrPrivilegedSWExcept, IntrSoftwareException:
	default:
		return nil
	}

	length := c.get(EntryInstructionLength)
	if length == 0 && !isOn(c.caps.AllowedSettings(MSRVMXMisc), vmxMiscZeroLengthInject) {
		return fail("instruction length must not be 0 for interruption type %d", info.kind())
	}
	if length > 15 {
		return fail("instruction length %d must be 15 or less", length)
	}
	return nil
}
