package vmcs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VMX capability reporting MSRs (Intel SDM Vol. 3 Appendix A).
const (
	MSRVMXBasic             uint32 = 0x480
	MSRVMXPinbasedCtls      uint32 = 0x481
	MSRVMXProcbasedCtls     uint32 = 0x482
	MSRVMXExitCtls          uint32 = 0x483
	MSRVMXEntryCtls         uint32 = 0x484
	MSRVMXMisc              uint32 = 0x485
	MSRVMXCR0Fixed0         uint32 = 0x486
	MSRVMXCR0Fixed1         uint32 = 0x487
	MSRVMXCR4Fixed0         uint32 = 0x488
	MSRVMXCR4Fixed1         uint32 = 0x489
	MSRVMXVMCSEnum          uint32 = 0x48A
	MSRVMXProcbasedCtls2    uint32 = 0x48B
	MSRVMXEPTVPIDCap        uint32 = 0x48C
	MSRVMXTruePinbasedCtls  uint32 = 0x48D
	MSRVMXTrueProcbasedCtls uint32 = 0x48E
	MSRVMXTrueExitCtls      uint32 = 0x48F
	MSRVMXTrueEntryCtls     uint32 = 0x490
	MSRVMXVMFunc            uint32 = 0x491

	MSRIA32EFER uint32 = 0xC0000080
)

var msrNames = map[uint32]string{
	MSRVMXBasic:             "ia32_vmx_basic",
	MSRVMXPinbasedCtls:      "ia32_vmx_pinbased_ctls",
	MSRVMXProcbasedCtls:     "ia32_vmx_procbased_ctls",
	MSRVMXExitCtls:          "ia32_vmx_exit_ctls",
	MSRVMXEntryCtls:         "ia32_vmx_entry_ctls",
	MSRVMXMisc:              "ia32_vmx_misc",
	MSRVMXCR0Fixed0:         "ia32_vmx_cr0_fixed0",
	MSRVMXCR0Fixed1:         "ia32_vmx_cr0_fixed1",
	MSRVMXCR4Fixed0:         "ia32_vmx_cr4_fixed0",
	MSRVMXCR4Fixed1:         "ia32_vmx_cr4_fixed1",
	MSRVMXVMCSEnum:          "ia32_vmx_vmcs_enum",
	MSRVMXProcbasedCtls2:    "ia32_vmx_procbased_ctls2",
	MSRVMXEPTVPIDCap:        "ia32_vmx_ept_vpid_cap",
	MSRVMXTruePinbasedCtls:  "ia32_vmx_true_pinbased_ctls",
	MSRVMXTrueProcbasedCtls: "ia32_vmx_true_procbased_ctls",
	MSRVMXTrueExitCtls:      "ia32_vmx_true_exit_ctls",
	MSRVMXTrueEntryCtls:     "ia32_vmx_true_entry_ctls",
	MSRVMXVMFunc:            "ia32_vmx_vmfunc",
	MSRIA32EFER:             "ia32_efer",
}

// KnownMSRs returns every MSR the checker consults, in ascending order.
func KnownMSRs() []uint32 {
	msrs := make([]uint32, 0, len(msrNames))
	for m := range msrNames {
		msrs = append(msrs, m)
	}
	sort.Slice(msrs, func(i, j int) bool { return msrs[i] < msrs[j] })
	return msrs
}

// MSRName returns the symbolic name of msr, or its hex index.
func MSRName(msr uint32) string {
	if n, ok := msrNames[msr]; ok {
		return n
	}
	return fmt.Sprintf("0x%x", msr)
}

// ParseMSR accepts either a symbolic MSR name or a numeric index.
func ParseMSR(s string) (uint32, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for idx, n := range msrNames {
		if n == s {
			return idx, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("vmcs: unknown msr %q", s)
	}
	return uint32(v), nil
}

// Feature identifies an optional architectural feature.
type Feature int

const (
	FeatureVMX Feature = iota
	FeatureSGX
	FeatureRTM
)

func (f Feature) String() string {
	switch f {
	case FeatureVMX:
		return "vmx"
	case FeatureSGX:
		return "sgx"
	case FeatureRTM:
		return "rtm"
	default:
		return fmt.Sprintf("feature(%d)", int(f))
	}
}

// ParseFeature is the inverse of Feature.String.
func ParseFeature(s string) (Feature, error) {
	switch strings.ToLower(s) {
	case "vmx":
		return FeatureVMX, nil
	case "sgx":
		return FeatureSGX, nil
	case "rtm":
		return FeatureRTM, nil
	}
	return 0, fmt.Errorf("vmcs: unknown feature %q", s)
}

// DefaultPhysAddrWidth is used when the processor's width is unknown.
const DefaultPhysAddrWidth = 36

// Capabilities reports what the running processor allows.
//
// AllowedSettings returns the raw 64-bit MSR value. For the VMX control
// capability MSRs bits 31:0 are the allowed-0 settings and bits 63:32 the
// allowed-1 settings.
type Capabilities interface {
	AllowedSettings(msr uint32) uint64
	FeaturePresent(f Feature) bool
	PhysAddrWidth() uint
}

// StaticCapabilities is a fixed set of capability values.
type StaticCapabilities struct {
	MSRs     map[uint32]uint64
	Features map[Feature]bool
	Width    uint
}

// NewStaticCapabilities returns an empty capability set.
func NewStaticCapabilities() *StaticCapabilities {
	return &StaticCapabilities{
		MSRs:     make(map[uint32]uint64),
		Features: make(map[Feature]bool),
	}
}

func (c *StaticCapabilities) AllowedSettings(msr uint32) uint64 {
	return c.MSRs[msr]
}

func (c *StaticCapabilities) FeaturePresent(f Feature) bool {
	return c.Features[f]
}

func (c *StaticCapabilities) PhysAddrWidth() uint {
	if c.Width == 0 {
		return DefaultPhysAddrWidth
	}
	return c.Width
}

// SetMSR records an MSR value.
func (c *StaticCapabilities) SetMSR(msr uint32, v uint64) {
	if c.MSRs == nil {
		c.MSRs = make(map[uint32]uint64)
	}
	c.MSRs[msr] = v
}

// SetFeature records whether a feature is present.
func (c *StaticCapabilities) SetFeature(f Feature, present bool) {
	if c.Features == nil {
		c.Features = make(map[Feature]bool)
	}
	c.Features[f] = present
}

// allowed0 returns the bits a control must have set.
func allowed0(msr uint64) uint64 { return msr & 0xFFFFFFFF }

// allowed1 returns the bits a control may have set.
func allowed1(msr uint64) uint64 { return msr >> 32 }
