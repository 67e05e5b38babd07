package vmcs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Width is the architectural width of a VMCS field.
type Width uint8

const (
	Width16      Width = 16
	Width32      Width = 32
	Width64      Width = 64
	WidthNatural Width = 0 // natural width, 64 bits on Intel 64
)

func (w Width) String() string {
	if w == WidthNatural {
		return "natural"
	}
	return fmt.Sprintf("%d-bit", uint8(w))
}

// Mask returns the value mask for the width.
func (w Width) Mask() uint64 {
	switch w {
	case Width16:
		return 0xFFFF
	case Width32:
		return 0xFFFFFFFF
	default:
		return ^uint64(0)
	}
}

// gate is the allowed-1 bit of a capability MSR that must be set for a field to exist.
type gate struct {
	msr uint32
	bit uint
}

// Field describes a VMCS field. Fields are immutable and compared by identity.
type Field struct {
	Name  string
	Addr  uint32
	Width Width
	gate  *gate
}

func (f *Field) String() string {
	return fmt.Sprintf("%s (0x%04x)", f.Name, f.Addr)
}

// Gated reports whether the field only exists on some processors.
func (f *Field) Gated() bool { return f.gate != nil }

// Present reports whether the field exists given caps.
func (f *Field) Present(caps Capabilities) bool {
	if f.gate == nil {
		return true
	}
	return allowed1(caps.AllowedSettings(f.gate.msr))&(1<<f.gate.bit) != 0
}

var (
	catalogMu sync.Mutex
	catalog   []*Field
)

func newField(name string, addr uint32, w Width) *Field {
	f := &Field{Name: name, Addr: addr, Width: w}
	catalogMu.Lock()
	catalog = append(catalog, f)
	catalogMu.Unlock()
	return f
}

func newGatedField(name string, addr uint32, w Width, msr uint32, bit uint) *Field {
	f := newField(name, addr, w)
	f.gate = &gate{msr: msr, bit: bit}
	return f
}

// Fields returns the field catalog ordered by encoding.
func Fields() []*Field {
	catalogMu.Lock()
	out := append([]*Field(nil), catalog...)
	catalogMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// LookupField finds a field by name.
func LookupField(name string) (*Field, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	catalogMu.Lock()
	defer catalogMu.Unlock()
	for _, f := range catalog {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// 16-bit control fields
var (
	VPID                   = newGatedField("virtual_processor_identifier", 0x0000, Width16, MSRVMXProcbasedCtls2, 5)
	PostedIntrNotifyVector = newGatedField("posted_interrupt_notification_vector", 0x0002, Width16, MSRVMXTruePinbasedCtls, 7)
	EPTPIndex              = newGatedField("eptp_index", 0x0004, Width16, MSRVMXProcbasedCtls2, 18)
)

// 16-bit guest-state fields
var (
	GuestESSelector   = newField("guest_es_selector", 0x0800, Width16)
	GuestCSSelector   = newField("guest_cs_selector", 0x0802, Width16)
	GuestSSSelector   = newField("guest_ss_selector", 0x0804, Width16)
	GuestDSSelector   = newField("guest_ds_selector", 0x0806, Width16)
	GuestFSSelector   = newField("guest_fs_selector", 0x0808, Width16)
	GuestGSSelector   = newField("guest_gs_selector", 0x080A, Width16)
	GuestLDTRSelector = newField("guest_ldtr_selector", 0x080C, Width16)
	GuestTRSelector   = newField("guest_tr_selector", 0x080E, Width16)
)

// 16-bit host-state fields
var (
	HostESSelector = newField("host_es_selector", 0x0C00, Width16)
	HostCSSelector = newField("host_cs_selector", 0x0C02, Width16)
	HostSSSelector = newField("host_ss_selector", 0x0C04, Width16)
	HostDSSelector = newField("host_ds_selector", 0x0C06, Width16)
	HostFSSelector = newField("host_fs_selector", 0x0C08, Width16)
	HostGSSelector = newField("host_gs_selector", 0x0C0A, Width16)
	HostTRSelector = newField("host_tr_selector", 0x0C0C, Width16)
)

// 64-bit control fields
var (
	IOBitmapA          = newGatedField("address_of_io_bitmap_a", 0x2000, Width64, MSRVMXTrueProcbasedCtls, 25)
	IOBitmapB          = newGatedField("address_of_io_bitmap_b", 0x2002, Width64, MSRVMXTrueProcbasedCtls, 25)
	MSRBitmap          = newGatedField("address_of_msr_bitmap", 0x2004, Width64, MSRVMXTrueProcbasedCtls, 28)
	ExitMSRStoreAddr   = newField("vm_exit_msr_store_address", 0x2006, Width64)
	ExitMSRLoadAddr    = newField("vm_exit_msr_load_address", 0x2008, Width64)
	EntryMSRLoadAddr   = newField("vm_entry_msr_load_address", 0x200A, Width64)
	PMLAddr            = newGatedField("pml_address", 0x200E, Width64, MSRVMXProcbasedCtls2, 17)
	VirtualAPICAddr    = newGatedField("virtual_apic_address", 0x2012, Width64, MSRVMXTrueProcbasedCtls, 21)
	APICAccessAddr     = newGatedField("apic_access_address", 0x2014, Width64, MSRVMXProcbasedCtls2, 0)
	PostedIntrDescAddr = newGatedField("posted_interrupt_descriptor_address", 0x2016, Width64, MSRVMXTruePinbasedCtls, 7)
	VMFuncControls     = newGatedField("vm_function_controls", 0x2018, Width64, MSRVMXProcbasedCtls2, 13)
	EPTPointer         = newGatedField("ept_pointer", 0x201A, Width64, MSRVMXProcbasedCtls2, 1)
	EPTPListAddr       = newGatedField("eptp_list_address", 0x2024, Width64, MSRVMXProcbasedCtls2, 13)
	VMReadBitmapAddr   = newGatedField("vmread_bitmap_address", 0x2026, Width64, MSRVMXProcbasedCtls2, 14)
	VMWriteBitmapAddr  = newGatedField("vmwrite_bitmap_address", 0x2028, Width64, MSRVMXProcbasedCtls2, 14)
	VEInfoAddr         = newGatedField("virtualization_exception_information_address", 0x202A, Width64, MSRVMXProcbasedCtls2, 18)
)

// 64-bit guest-state fields
var (
	VMCSLinkPointer         = newField("vmcs_link_pointer", 0x2800, Width64)
	GuestIA32DebugCtl       = newField("guest_ia32_debugctl", 0x2802, Width64)
	GuestIA32PAT            = newGatedField("guest_ia32_pat", 0x2804, Width64, MSRVMXTrueEntryCtls, 14)
	GuestIA32EFER           = newGatedField("guest_ia32_efer", 0x2806, Width64, MSRVMXTrueEntryCtls, 15)
	GuestIA32PerfGlobalCtrl = newGatedField("guest_ia32_perf_global_ctrl", 0x2808, Width64, MSRVMXTrueEntryCtls, 13)
	GuestPDPTE0             = newGatedField("guest_pdpte0", 0x280A, Width64, MSRVMXProcbasedCtls2, 1)
	GuestPDPTE1             = newGatedField("guest_pdpte1", 0x280C, Width64, MSRVMXProcbasedCtls2, 1)
	GuestPDPTE2             = newGatedField("guest_pdpte2", 0x280E, Width64, MSRVMXProcbasedCtls2, 1)
	GuestPDPTE3             = newGatedField("guest_pdpte3", 0x2810, Width64, MSRVMXProcbasedCtls2, 1)
	GuestIA32BNDCFGS        = newGatedField("guest_ia32_bndcfgs", 0x2812, Width64, MSRVMXTrueEntryCtls, 16)
)

// GuestPDPTEs are the four guest PDPTE fields in entry order.
var GuestPDPTEs = [4]*Field{GuestPDPTE0, GuestPDPTE1, GuestPDPTE2, GuestPDPTE3}

// 64-bit host-state fields
var (
	HostIA32PAT            = newGatedField("host_ia32_pat", 0x2C00, Width64, MSRVMXTrueExitCtls, 19)
	HostIA32EFER           = newGatedField("host_ia32_efer", 0x2C02, Width64, MSRVMXTrueExitCtls, 21)
	HostIA32PerfGlobalCtrl = newGatedField("host_ia32_perf_global_ctrl", 0x2C04, Width64, MSRVMXTrueExitCtls, 12)
)

// 32-bit control fields
var (
	PinBasedControls       = newField("pin_based_vm_execution_controls", 0x4000, Width32)
	ProcBasedControls      = newField("primary_processor_based_vm_execution_controls", 0x4002, Width32)
	ExceptionBitmap        = newField("exception_bitmap", 0x4004, Width32)
	CR3TargetCount         = newField("cr3_target_count", 0x400A, Width32)
	ExitControls           = newField("vm_exit_controls", 0x400C, Width32)
	ExitMSRStoreCount      = newField("vm_exit_msr_store_count", 0x400E, Width32)
	ExitMSRLoadCount       = newField("vm_exit_msr_load_count", 0x4010, Width32)
	EntryControls          = newField("vm_entry_controls", 0x4012, Width32)
	EntryMSRLoadCount      = newField("vm_entry_msr_load_count", 0x4014, Width32)
	EntryInterruptionInfo  = newField("vm_entry_interruption_information", 0x4016, Width32)
	EntryExceptionErrCode  = newField("vm_entry_exception_error_code", 0x4018, Width32)
	EntryInstructionLength = newField("vm_entry_instruction_length", 0x401A, Width32)
	TPRThreshold           = newGatedField("tpr_threshold", 0x401C, Width32, MSRVMXTrueProcbasedCtls, 21)
	ProcBasedControls2     = newGatedField("secondary_processor_based_vm_execution_controls", 0x401E, Width32, MSRVMXTrueProcbasedCtls, 31)
)

// 32-bit guest-state fields
var (
	GuestESLimit          = newField("guest_es_limit", 0x4800, Width32)
	GuestCSLimit          = newField("guest_cs_limit", 0x4802, Width32)
	GuestSSLimit          = newField("guest_ss_limit", 0x4804, Width32)
	GuestDSLimit          = newField("guest_ds_limit", 0x4806, Width32)
	GuestFSLimit          = newField("guest_fs_limit", 0x4808, Width32)
	GuestGSLimit          = newField("guest_gs_limit", 0x480A, Width32)
	GuestLDTRLimit        = newField("guest_ldtr_limit", 0x480C, Width32)
	GuestTRLimit          = newField("guest_tr_limit", 0x480E, Width32)
	GuestGDTRLimit        = newField("guest_gdtr_limit", 0x4810, Width32)
	GuestIDTRLimit        = newField("guest_idtr_limit", 0x4812, Width32)
	GuestESAccessRights   = newField("guest_es_access_rights", 0x4814, Width32)
	GuestCSAccessRights   = newField("guest_cs_access_rights", 0x4816, Width32)
	GuestSSAccessRights   = newField("guest_ss_access_rights", 0x4818, Width32)
	GuestDSAccessRights   = newField("guest_ds_access_rights", 0x481A, Width32)
	GuestFSAccessRights   = newField("guest_fs_access_rights", 0x481C, Width32)
	GuestGSAccessRights   = newField("guest_gs_access_rights", 0x481E, Width32)
	GuestLDTRAccessRights = newField("guest_ldtr_access_rights", 0x4820, Width32)
	GuestTRAccessRights   = newField("guest_tr_access_rights", 0x4822, Width32)
	GuestInterruptibility = newField("guest_interruptibility_state", 0x4824, Width32)
	GuestActivityState    = newField("guest_activity_state", 0x4826, Width32)
	GuestSMBASE           = newField("guest_smbase", 0x4828, Width32)
	GuestIA32SysenterCS   = newField("guest_ia32_sysenter_cs", 0x482A, Width32)
	PreemptionTimerValue  = newGatedField("vmx_preemption_timer_value", 0x482E, Width32, MSRVMXTruePinbasedCtls, 6)
)

// 32-bit host-state fields
var (
	HostIA32SysenterCS = newField("host_ia32_sysenter_cs", 0x4C00, Width32)
)

// Natural-width guest-state fields
var (
	GuestCR0                 = newField("guest_cr0", 0x6800, WidthNatural)
	GuestCR3                 = newField("guest_cr3", 0x6802, WidthNatural)
	GuestCR4                 = newField("guest_cr4", 0x6804, WidthNatural)
	GuestESBase              = newField("guest_es_base", 0x6806, WidthNatural)
	GuestCSBase              = newField("guest_cs_base", 0x6808, WidthNatural)
	GuestSSBase              = newField("guest_ss_base", 0x680A, WidthNatural)
	GuestDSBase              = newField("guest_ds_base", 0x680C, WidthNatural)
	GuestFSBase              = newField("guest_fs_base", 0x680E, WidthNatural)
	GuestGSBase              = newField("guest_gs_base", 0x6810, WidthNatural)
	GuestLDTRBase            = newField("guest_ldtr_base", 0x6812, WidthNatural)
	GuestTRBase              = newField("guest_tr_base", 0x6814, WidthNatural)
	GuestGDTRBase            = newField("guest_gdtr_base", 0x6816, WidthNatural)
	GuestIDTRBase            = newField("guest_idtr_base", 0x6818, WidthNatural)
	GuestDR7                 = newField("guest_dr7", 0x681A, WidthNatural)
	GuestRSP                 = newField("guest_rsp", 0x681C, WidthNatural)
	GuestRIP                 = newField("guest_rip", 0x681E, WidthNatural)
	GuestRFLAGS              = newField("guest_rflags", 0x6820, WidthNatural)
	GuestPendingDebugExcepts = newField("guest_pending_debug_exceptions", 0x6822, WidthNatural)
	GuestIA32SysenterESP     = newField("guest_ia32_sysenter_esp", 0x6824, WidthNatural)
	GuestIA32SysenterEIP     = newField("guest_ia32_sysenter_eip", 0x6826, WidthNatural)
)

// Natural-width host-state fields
var (
	HostCR0             = newField("host_cr0", 0x6C00, WidthNatural)
	HostCR3             = newField("host_cr3", 0x6C02, WidthNatural)
	HostCR4             = newField("host_cr4", 0x6C04, WidthNatural)
	HostFSBase          = newField("host_fs_base", 0x6C06, WidthNatural)
	HostGSBase          = newField("host_gs_base", 0x6C08, WidthNatural)
	HostTRBase          = newField("host_tr_base", 0x6C0A, WidthNatural)
	HostGDTRBase        = newField("host_gdtr_base", 0x6C0C, WidthNatural)
	HostIDTRBase        = newField("host_idtr_base", 0x6C0E, WidthNatural)
	HostIA32SysenterESP = newField("host_ia32_sysenter_esp", 0x6C10, WidthNatural)
	HostIA32SysenterEIP = newField("host_ia32_sysenter_eip", 0x6C12, WidthNatural)
	HostRSP             = newField("host_rsp", 0x6C14, WidthNatural)
	HostRIP             = newField("host_rip", 0x6C16, WidthNatural)
)
