package vmcs

// isOn returns true if all bits in mask are set in v.
func isOn(v, mask uint64) bool { return v&mask == mask }

// isAnyOn returns true if any bit in mask is set in v.
func isAnyOn(v, mask uint64) bool { return v&mask != 0 }

// isCanonical reports whether addr is a canonical 48-bit linear address.
func isCanonical(addr uint64) bool {
	return addr <= 0x00007FFFFFFFFFFF || addr >= 0xFFFF800000000000
}

// isLinearAddressValid is the linear-address check used for RIP and
// descriptor-table bases.
func isLinearAddressValid(addr uint64) bool {
	return isCanonical(addr)
}

// physAddrValid reports whether addr fits within the processor's
// physical-address width.
func (c *Checker) physAddrValid(addr uint64) bool {
	return addr&c.physAddrReservedMask() == 0
}

// physAddrReservedMask returns the mask of address bits above the
// physical-address width.
func (c *Checker) physAddrReservedMask() uint64 {
	w := c.caps.PhysAddrWidth()
	if w >= 64 {
		return 0
	}
	return ^uint64(0) << w
}

// checkPageAddr verifies a 4 KiB aligned, in-range physical address.
func (c *Checker) checkPageAddr(what string, addr uint64) error {
	if !isPageAligned(addr) {
		return fail("%s 0x%x must be 4k page aligned", what, addr)
	}
	if !c.physAddrValid(addr) {
		return fail("%s 0x%x exceeds the physical-address width (%d bits)", what, addr, c.caps.PhysAddrWidth())
	}
	return nil
}

// validPATType reports whether t is a legal PAT memory type.
func validPATType(t uint64) bool {
	switch t {
	case 0, 1, 4, 5, 6, 7:
		return true
	}
	return false
}

// checkPAT verifies every PAT entry encodes a legal memory type.
func checkPAT(name string, pat uint64) error {
	for i := uint(0); i < 8; i++ {
		entry := (pat >> (i * 8)) & 0xFF
		if !validPATType(entry & 0x7) {
			return fail("%s pa%d has invalid memory type %d", name, i, entry&0x7)
		}
		if entry&^0x7 != 0 {
			return fail("%s pa%d reserved bits 7:3 must be 0 (0x%x)", name, i, entry)
		}
	}
	return nil
}
