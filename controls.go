package vmcs

import "fmt"

// Control is a single-bit setting within a VMX control field.
type Control struct {
	Name  string
	Field *Field
	Bit   uint
}

func (c Control) String() string { return c.Name }

// Mask returns the bit mask of the control within its field.
func (c Control) Mask() uint64 { return 1 << c.Bit }

// Pin-based VM-execution controls
var (
	CtlExternalInterruptExiting = Control{"external_interrupt_exiting", PinBasedControls, 0}
	CtlNMIExiting               = Control{"nmi_exiting", PinBasedControls, 3}
	CtlVirtualNMIs              = Control{"virtual_nmis", PinBasedControls, 5}
	CtlActivatePreemptionTimer  = Control{"activate_vmx_preemption_timer", PinBasedControls, 6}
	CtlProcessPostedInterrupts  = Control{"process_posted_interrupts", PinBasedControls, 7}
)

// Primary processor-based VM-execution controls
var (
	CtlInterruptWindowExiting    = Control{"interrupt_window_exiting", ProcBasedControls, 2}
	CtlUseTSCOffsetting          = Control{"use_tsc_offsetting", ProcBasedControls, 3}
	CtlHLTExiting                = Control{"hlt_exiting", ProcBasedControls, 7}
	CtlINVLPGExiting             = Control{"invlpg_exiting", ProcBasedControls, 9}
	CtlMWAITExiting              = Control{"mwait_exiting", ProcBasedControls, 10}
	CtlRDPMCExiting              = Control{"rdpmc_exiting", ProcBasedControls, 11}
	CtlRDTSCExiting              = Control{"rdtsc_exiting", ProcBasedControls, 12}
	CtlCR3LoadExiting            = Control{"cr3_load_exiting", ProcBasedControls, 15}
	CtlCR3StoreExiting           = Control{"cr3_store_exiting", ProcBasedControls, 16}
	CtlCR8LoadExiting            = Control{"cr8_load_exiting", ProcBasedControls, 19}
	CtlCR8StoreExiting           = Control{"cr8_store_exiting", ProcBasedControls, 20}
	CtlUseTPRShadow              = Control{"use_tpr_shadow", ProcBasedControls, 21}
	CtlNMIWindowExiting          = Control{"nmi_window_exiting", ProcBasedControls, 22}
	CtlMovDRExiting              = Control{"mov_dr_exiting", ProcBasedControls, 23}
	CtlUnconditionalIOExiting    = Control{"unconditional_io_exiting", ProcBasedControls, 24}
	CtlUseIOBitmaps              = Control{"use_io_bitmaps", ProcBasedControls, 25}
	CtlMonitorTrapFlag           = Control{"monitor_trap_flag", ProcBasedControls, 27}
	CtlUseMSRBitmaps             = Control{"use_msr_bitmaps", ProcBasedControls, 28}
	CtlMONITORExiting            = Control{"monitor_exiting", ProcBasedControls, 29}
	CtlPAUSEExiting              = Control{"pause_exiting", ProcBasedControls, 30}
	CtlActivateSecondaryControls = Control{"activate_secondary_controls", ProcBasedControls, 31}
)

// Secondary processor-based VM-execution controls
var (
	CtlVirtualizeAPICAccesses     = Control{"virtualize_apic_accesses", ProcBasedControls2, 0}
	CtlEnableEPT                  = Control{"enable_ept", ProcBasedControls2, 1}
	CtlDescriptorTableExiting     = Control{"descriptor_table_exiting", ProcBasedControls2, 2}
	CtlEnableRDTSCP               = Control{"enable_rdtscp", ProcBasedControls2, 3}
	CtlVirtualizeX2APICMode       = Control{"virtualize_x2apic_mode", ProcBasedControls2, 4}
	CtlEnableVPID                 = Control{"enable_vpid", ProcBasedControls2, 5}
	CtlWBINVDExiting              = Control{"wbinvd_exiting", ProcBasedControls2, 6}
	CtlUnrestrictedGuest          = Control{"unrestricted_guest", ProcBasedControls2, 7}
	CtlAPICRegisterVirtualization = Control{"apic_register_virtualization", ProcBasedControls2, 8}
	CtlVirtualInterruptDelivery   = Control{"virtual_interrupt_delivery", ProcBasedControls2, 9}
	CtlPAUSELoopExiting           = Control{"pause_loop_exiting", ProcBasedControls2, 10}
	CtlRDRANDExiting              = Control{"rdrand_exiting", ProcBasedControls2, 11}
	CtlEnableINVPCID              = Control{"enable_invpcid", ProcBasedControls2, 12}
	CtlEnableVMFunctions          = Control{"enable_vm_functions", ProcBasedControls2, 13}
	CtlVMCSShadowing              = Control{"vmcs_shadowing", ProcBasedControls2, 14}
	CtlRDSEEDExiting              = Control{"rdseed_exiting", ProcBasedControls2, 16}
	CtlEnablePML                  = Control{"enable_pml", ProcBasedControls2, 17}
	CtlEPTViolationVE             = Control{"ept_violation_ve", ProcBasedControls2, 18}
	CtlEnableXSAVES               = Control{"enable_xsaves", ProcBasedControls2, 20}
)

// VM-exit controls
var (
	CtlExitSaveDebugControls  = Control{"save_debug_controls", ExitControls, 2}
	CtlHostAddressSpaceSize   = Control{"host_address_space_size", ExitControls, 9}
	CtlExitLoadPerfGlobalCtrl = Control{"load_ia32_perf_global_ctrl", ExitControls, 12}
	CtlAckInterruptOnExit     = Control{"acknowledge_interrupt_on_exit", ExitControls, 15}
	CtlExitSavePAT            = Control{"save_ia32_pat", ExitControls, 18}
	CtlExitLoadPAT            = Control{"load_ia32_pat", ExitControls, 19}
	CtlExitSaveEFER           = Control{"save_ia32_efer", ExitControls, 20}
	CtlExitLoadEFER           = Control{"load_ia32_efer", ExitControls, 21}
	CtlSavePreemptionTimer    = Control{"save_vmx_preemption_timer_value", ExitControls, 22}
	CtlExitClearBNDCFGS       = Control{"clear_ia32_bndcfgs", ExitControls, 23}
)

// VM-entry controls
var (
	CtlEntryLoadDebugControls  = Control{"load_debug_controls", EntryControls, 2}
	CtlIA32eModeGuest          = Control{"ia_32e_mode_guest", EntryControls, 9}
	CtlEntryToSMM              = Control{"entry_to_smm", EntryControls, 10}
	CtlDeactivateDualMonitor   = Control{"deactivate_dual_monitor_treatment", EntryControls, 11}
	CtlEntryLoadPerfGlobalCtrl = Control{"load_ia32_perf_global_ctrl", EntryControls, 13}
	CtlEntryLoadPAT            = Control{"load_ia32_pat", EntryControls, 14}
	CtlEntryLoadEFER           = Control{"load_ia32_efer", EntryControls, 15}
	CtlEntryLoadBNDCFGS        = Control{"load_ia32_bndcfgs", EntryControls, 16}
)

// Control register bits
const (
	CR0ProtectionEnable = 1 << 0
	CR0Paging           = 1 << 31

	CR4PAE   = 1 << 5
	CR4PCIDE = 1 << 17
)

// IA32_EFER bits
const (
	EFERLME      = 1 << 8
	EFERLMA      = 1 << 10
	eferReserved = 0xFFFFFFFFFFFFF2FE
)

// RFLAGS bits
const (
	RFLAGSAlwaysSet = 1 << 1
	RFLAGSTF        = 1 << 8
	RFLAGSIF        = 1 << 9
	RFLAGSVM        = 1 << 17

	rflagsReserved = 0xFFFFFFFFFFC08028
)

// Interruption types of the VM-entry interruption-information field.
const (
	IntrExternal           = 0
	IntrReserved           = 1
	IntrNMI                = 2
	IntrHardwareException  = 3
	IntrSoftwareInterrupt  = 4
	IntrPrivilegedSWExcept = 5
	IntrSoftwareException  = 6
	IntrOtherEvent         = 7
)

// Guest activity states
const (
	ActivityActive   = 0
	ActivityHLT      = 1
	ActivityShutdown = 2
	ActivityWaitSIPI = 3
)

// Guest interruptibility-state bits
const (
	BlockingBySTI       = 1 << 0
	BlockingByMovSS     = 1 << 1
	BlockingBySMI       = 1 << 2
	BlockingByNMI       = 1 << 3
	EnclaveInterruption = 1 << 4

	interruptibilityReserved = 0xFFFFFFE0
)

// intrInfo decodes the VM-entry interruption-information field.
type intrInfo uint64

func (i intrInfo) vector() uint64         { return uint64(i) & 0xFF }
func (i intrInfo) kind() uint64           { return (uint64(i) >> 8) & 0x7 }
func (i intrInfo) deliverErrorCode() bool { return uint64(i)&(1<<11) != 0 }
func (i intrInfo) reserved() uint64       { return uint64(i) & 0x7FFFF000 }
func (i intrInfo) valid() bool            { return uint64(i)&(1<<31) != 0 }

func (i intrInfo) String() string {
	return fmt.Sprintf("valid=%t type=%d vector=%d ec=%t", i.valid(), i.kind(), i.vector(), i.deliverErrorCode())
}
