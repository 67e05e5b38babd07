package vmcs

import "fmt"

// segment describes the guest-state fields of one segment register.
type segment struct {
	name     string
	selector *Field
	base     *Field
	limit    *Field
	access   *Field

	// cs is checked even when its unusable bit is set
	alwaysUsable bool
}

var (
	segES   = segment{"es", GuestESSelector, GuestESBase, GuestESLimit, GuestESAccessRights, false}
	segCS   = segment{"cs", GuestCSSelector, GuestCSBase, GuestCSLimit, GuestCSAccessRights, true}
	segSS   = segment{"ss", GuestSSSelector, GuestSSBase, GuestSSLimit, GuestSSAccessRights, false}
	segDS   = segment{"ds", GuestDSSelector, GuestDSBase, GuestDSLimit, GuestDSAccessRights, false}
	segFS   = segment{"fs", GuestFSSelector, GuestFSBase, GuestFSLimit, GuestFSAccessRights, false}
	segGS   = segment{"gs", GuestGSSelector, GuestGSBase, GuestGSLimit, GuestGSAccessRights, false}
	segLDTR = segment{"ldtr", GuestLDTRSelector, GuestLDTRBase, GuestLDTRLimit, GuestLDTRAccessRights, false}
	segTR   = segment{"tr", GuestTRSelector, GuestTRBase, GuestTRLimit, GuestTRAccessRights, true}
)

// accessRights decodes a guest segment access-rights field.
type accessRights uint64

func (a accessRights) typ() uint64          { return uint64(a) & 0xF }
func (a accessRights) system() bool         { return uint64(a)&(1<<4) == 0 }
func (a accessRights) dpl() uint64          { return (uint64(a) >> 5) & 0x3 }
func (a accessRights) present() bool        { return uint64(a)&(1<<7) != 0 }
func (a accessRights) reserved() uint64     { return uint64(a) & 0xF00 }
func (a accessRights) long() bool           { return uint64(a)&(1<<13) != 0 }
func (a accessRights) db() bool             { return uint64(a)&(1<<14) != 0 }
func (a accessRights) granularity() bool    { return uint64(a)&(1<<15) != 0 }
func (a accessRights) unusable() bool       { return uint64(a)&(1<<16) != 0 }
func (a accessRights) reservedHigh() uint64 { return uint64(a) & 0xFFFE0000 }

const v8086AccessRights = 0xF3

func (c *Checker) rights(s segment) accessRights {
	return accessRights(c.get(s.access))
}

// usable reports whether the segment's checks apply.
func (c *Checker) usable(s segment) bool {
	return s.alwaysUsable || !c.rights(s).unusable()
}

func (c *Checker) v8086() bool {
	return isOn(c.get(GuestRFLAGS), RFLAGSVM)
}

func (c *Checker) ia32eGuest() bool {
	return c.enabled(CtlIA32eModeGuest)
}

// segRule instantiates a per-segment check under a rule name like "guest_%s_limit".
func segRule(format string, s segment, check func(*Checker, segment) error) Rule {
	return Rule{
		Name:  fmt.Sprintf(format, s.name),
		Check: func(c *Checker) error { return check(c, s) },
	}
}

func segRules(format string, segs []segment, check func(*Checker, segment) error) []Rule {
	rules := make([]Rule, 0, len(segs))
	for _, s := range segs {
		rules = append(rules, segRule(format, s, check))
	}
	return rules
}

func guestSegments() Group {
	six := []segment{segCS, segSS, segDS, segES, segFS, segGS}
	data := []segment{segDS, segES, segFS, segGS}

	var rules []Rule
	add := func(r ...Rule) { rules = append(rules, r...) }

	add(
		Rule{"guest_tr_ti_bit_equals_0", (*Checker).guestTRTIBitEquals0},
		Rule{"guest_ldtr_ti_bit_equals_0", (*Checker).guestLDTRTIBitEquals0},
		Rule{"guest_ss_and_cs_rpl_are_the_same", (*Checker).guestSSAndCSRPLAreTheSame},
	)
	add(segRules("guest_%s_base_is_shifted", six, (*Checker).guestBaseIsShifted)...)
	add(
		segRule("guest_%s_base_is_canonical", segTR, (*Checker).guestBaseIsCanonical),
		segRule("guest_%s_base_is_canonical", segFS, (*Checker).guestBaseIsCanonical),
		segRule("guest_%s_base_is_canonical", segGS, (*Checker).guestBaseIsCanonical),
		segRule("guest_%s_base_is_canonical", segLDTR, (*Checker).guestBaseIsCanonical),
	)
	add(segRules("guest_%s_base_upper_dword_0", []segment{segCS, segSS, segDS, segES}, (*Checker).guestBaseUpperDword0)...)
	add(segRules("guest_%s_limit", []segment{segCS, segSS, segDS, segES, segGS, segFS}, (*Checker).guestV8086Limit)...)
	add(segRules("guest_v8086_%s_access_rights", six, (*Checker).guestV8086AccessRights)...)
	add(segRules("guest_%s_access_rights_type", six, (*Checker).guestAccessRightsType)...)
	add(segRules("guest_%s_is_not_a_system_descriptor", six, (*Checker).guestIsNotASystemDescriptor)...)
	add(
		Rule{"guest_cs_type_not_equal_3", (*Checker).guestCSTypeNotEqual3},
		Rule{"guest_cs_dpl_adheres_to_ss_dpl", (*Checker).guestCSDPLAdheresToSSDPL},
		Rule{"guest_ss_dpl_must_equal_rpl", (*Checker).guestSSDPLMustEqualRPL},
		Rule{"guest_ss_dpl_must_equal_zero", (*Checker).guestSSDPLMustEqualZero},
	)
	add(segRules("guest_%s_dpl", data, (*Checker).guestDataSegmentDPL)...)
	add(segRule("guest_%s_must_be_present", segCS, (*Checker).guestMustBePresent))
	add(segRules("guest_%s_must_be_present_if_usable", []segment{segSS, segDS, segES, segFS, segGS}, (*Checker).guestMustBePresent)...)
	add(segRules("guest_%s_access_rights_reserved_must_be_0", six, (*Checker).guestAccessRightsReservedMustBe0)...)
	add(Rule{"guest_cs_db_must_be_0_if_l_equals_1", (*Checker).guestCSDBMustBe0IfLEquals1})
	add(segRules("guest_%s_granularity", six, (*Checker).guestGranularity)...)
	add(segRules("guest_%s_access_rights_remaining_reserved_bit_0", six, (*Checker).guestAccessRightsRemainingReservedBit0)...)
	add(
		Rule{"guest_tr_type_must_be_11", (*Checker).guestTRTypeMustBe11},
		Rule{"guest_tr_must_be_a_system_descriptor", (*Checker).guestTRMustBeASystemDescriptor},
		Rule{"guest_tr_must_be_present", (*Checker).guestTRMustBePresent},
		Rule{"guest_tr_access_rights_reserved_must_be_0", (*Checker).guestTRAccessRightsReservedMustBe0},
		Rule{"guest_tr_granularity", (*Checker).guestTRGranularity},
		Rule{"guest_tr_must_be_usable", (*Checker).guestTRMustBeUsable},
		Rule{"guest_tr_access_rights_remaining_reserved_bit_0", (*Checker).guestTRAccessRightsRemainingReservedBit0},
		Rule{"guest_ldtr_type_must_be_2", (*Checker).guestLDTRTypeMustBe2},
		Rule{"guest_ldtr_must_be_a_system_descriptor", (*Checker).guestLDTRMustBeASystemDescriptor},
		Rule{"guest_ldtr_must_be_present", (*Checker).guestLDTRMustBePresent},
		Rule{"guest_ldtr_access_rights_reserved_must_be_0", (*Checker).guestLDTRAccessRightsReservedMustBe0},
		Rule{"guest_ldtr_granularity", (*Checker).guestLDTRGranularity},
		Rule{"guest_ldtr_access_rights_remaining_reserved_bit_0", (*Checker).guestLDTRAccessRightsRemainingReservedBit0},
	)

	return Group{Name: "segment_registers", Rules: rules}
}

func (c *Checker) guestTRTIBitEquals0() error {
	if sel := c.get(GuestTRSelector); isOn(sel, 1<<2) {
		return fail("guest tr selector 0x%x ti flag must be 0", sel)
	}
	return nil
}

func (c *Checker) guestLDTRTIBitEquals0() error {
	if !c.usable(segLDTR) {
		return nil
	}
	if sel := c.get(GuestLDTRSelector); isOn(sel, 1<<2) {
		return fail("guest ldtr selector 0x%x ti flag must be 0", sel)
	}
	return nil
}

func (c *Checker) guestSSAndCSRPLAreTheSame() error {
	if c.v8086() || c.unrestrictedGuest() {
		return nil
	}
	ss := c.get(GuestSSSelector) & 0x3
	cs := c.get(GuestCSSelector) & 0x3
	if ss != cs {
		return fail("guest ss rpl %d must equal cs rpl %d", ss, cs)
	}
	return nil
}

func (c *Checker) guestBaseIsShifted(s segment) error {
	if !c.v8086() {
		return nil
	}
	sel, base := c.get(s.selector), c.get(s.base)
	if base != sel<<4 {
		return fail("guest %s base 0x%x must equal selector 0x%x << 4 in virtual-8086 mode", s.name, base, sel)
	}
	return nil
}

// guestBaseIsCanonical checks TR, FS and GS unconditionally and LDTR only if usable.
func (c *Checker) guestBaseIsCanonical(s segment) error {
	if s == segLDTR && !c.usable(s) {
		return nil
	}
	if base := c.get(s.base); !isCanonical(base) {
		return fail("guest %s base 0x%x must be canonical", s.name, base)
	}
	return nil
}

func (c *Checker) guestBaseUpperDword0(s segment) error {
	if !c.usable(s) {
		return nil
	}
	if base := c.get(s.base); base&0xFFFFFFFF00000000 != 0 {
		return fail("guest %s base 0x%x bits 63:32 must be 0", s.name, base)
	}
	return nil
}

func (c *Checker) guestV8086Limit(s segment) error {
	if !c.v8086() {
		return nil
	}
	if limit := c.get(s.limit); limit != 0xFFFF {
		return fail("guest %s limit 0x%x must be 0xffff in virtual-8086 mode", s.name, limit)
	}
	return nil
}

func (c *Checker) guestV8086AccessRights(s segment) error {
	if !c.v8086() {
		return nil
	}
	if ar := c.get(s.access); ar != v8086AccessRights {
		return fail("guest %s access rights 0x%x must be 0xf3 in virtual-8086 mode", s.name, ar)
	}
	return nil
}

func (c *Checker) guestAccessRightsType(s segment) error {
	if c.v8086() || !c.usable(s) {
		return nil
	}

	t := c.rights(s).typ()
	switch s {
	case segCS:
		switch t {
		case 3:
			if c.unrestrictedGuest() {
				return nil
			}
		case 9, 11, 13, 15:
			return nil
		}
		return fail("guest cs access rights type %d must be 9, 11, 13 or 15 (or 3 for an unrestricted guest)", t)
	case segSS:
		if t == 3 || t == 7 {
			return nil
		}
		return fail("guest ss access rights type %d must be 3 or 7", t)
	default:
		switch t {
		case 1, 3, 5, 7, 11, 15:
			return nil
		}
		return fail("guest %s access rights type %d must be 1, 3, 5, 7, 11 or 15", s.name, t)
	}
}

func (c *Checker) guestIsNotASystemDescriptor(s segment) error {
	if c.v8086() || !c.usable(s) {
		return nil
	}
	if c.rights(s).system() {
		return fail("guest %s must be a code or data descriptor", s.name)
	}
	return nil
}

func (c *Checker) guestCSTypeNotEqual3() error {
	if c.v8086() {
		return nil
	}
	cs := c.rights(segCS)
	if cs.typ() == 3 && cs.dpl() != 0 {
		return fail("guest cs dpl %d must be 0 if cs type is 3", cs.dpl())
	}
	return nil
}

func (c *Checker) guestCSDPLAdheresToSSDPL() error {
	if c.v8086() {
		return nil
	}
	cs, ss := c.rights(segCS), c.rights(segSS)
	switch cs.typ() {
	case 9, 11:
		if cs.dpl() != ss.dpl() {
			return fail("guest cs dpl %d must equal ss dpl %d for a non-conforming code segment", cs.dpl(), ss.dpl())
		}
	case 13, 15:
		if cs.dpl() > ss.dpl() {
			return fail("guest cs dpl %d must not exceed ss dpl %d for a conforming code segment", cs.dpl(), ss.dpl())
		}
	}
	return nil
}

func (c *Checker) guestSSDPLMustEqualRPL() error {
	if c.v8086() || c.unrestrictedGuest() {
		return nil
	}
	rpl := c.get(GuestSSSelector) & 0x3
	if dpl := c.rights(segSS).dpl(); dpl != rpl {
		return fail("guest ss dpl %d must equal ss rpl %d", dpl, rpl)
	}
	return nil
}

func (c *Checker) guestSSDPLMustEqualZero() error {
	if c.v8086() {
		return nil
	}
	if c.rights(segCS).typ() != 3 && isOn(c.get(GuestCR0), CR0ProtectionEnable) {
		return nil
	}
	if dpl := c.rights(segSS).dpl(); dpl != 0 {
		return fail("guest ss dpl %d must be 0 if cs type is 3 or cr0.pe is 0", dpl)
	}
	return nil
}

func (c *Checker) guestDataSegmentDPL(s segment) error {
	if c.v8086() || c.unrestrictedGuest() || !c.usable(s) {
		return nil
	}
	ar := c.rights(s)
	if ar.typ() >= 12 {
		return nil
	}
	rpl := c.get(s.selector) & 0x3
	if ar.dpl() < rpl {
		return fail("guest %s dpl %d must not be less than rpl %d", s.name, ar.dpl(), rpl)
	}
	return nil
}

func (c *Checker) guestMustBePresent(s segment) error {
	if c.v8086() || !c.usable(s) {
		return nil
	}
	if !c.rights(s).present() {
		return fail("guest %s must be present", s.name)
	}
	return nil
}

func (c *Checker) guestAccessRightsReservedMustBe0(s segment) error {
	if c.v8086() || !c.usable(s) {
		return nil
	}
	if ar := c.rights(s); ar.reserved() != 0 {
		return fail("guest %s access rights 0x%x bits 11:8 must be 0", s.name, uint64(ar))
	}
	return nil
}

func (c *Checker) guestCSDBMustBe0IfLEquals1() error {
	if c.v8086() || !c.ia32eGuest() {
		return nil
	}
	if cs := c.rights(segCS); cs.long() && cs.db() {
		return fail("guest cs d/b must be 0 if cs.l is 1 in ia-32e mode")
	}
	return nil
}

// checkGranularity verifies a limit is consistent with the G bit.
func checkGranularity(name string, limit uint64, g bool) error {
	if g && limit&0xFFF != 0xFFF {
		return fail("guest %s limit 0x%x bits 11:0 must be set when g is 1", name, limit)
	}
	if !g && limit&0xFFF00000 != 0 {
		return fail("guest %s limit 0x%x bits 31:20 must be 0 when g is 0", name, limit)
	}
	return nil
}

func (c *Checker) guestGranularity(s segment) error {
	if c.v8086() || !c.usable(s) {
		return nil
	}
	return checkGranularity(s.name, c.get(s.limit), c.rights(s).granularity())
}

func (c *Checker) guestAccessRightsRemainingReservedBit0(s segment) error {
	if c.v8086() || !c.usable(s) {
		return nil
	}
	if ar := c.rights(s); ar.reservedHigh() != 0 {
		return fail("guest %s access rights 0x%x bits 31:17 must be 0", s.name, uint64(ar))
	}
	return nil
}

func (c *Checker) guestTRTypeMustBe11() error {
	if t := c.rights(segTR).typ(); t != 11 {
		return fail("guest tr type %d must be 11 (busy tss)", t)
	}
	return nil
}

func (c *Checker) guestTRMustBeASystemDescriptor() error {
	if !c.rights(segTR).system() {
		return fail("guest tr must be a system descriptor")
	}
	return nil
}

func (c *Checker) guestTRMustBePresent() error {
	if !c.rights(segTR).present() {
		return fail("guest tr must be present")
	}
	return nil
}

func (c *Checker) guestTRAccessRightsReservedMustBe0() error {
	if ar := c.rights(segTR); ar.reserved() != 0 {
		return fail("guest tr access rights 0x%x bits 11:8 must be 0", uint64(ar))
	}
	return nil
}

func (c *Checker) guestTRGranularity() error {
	return checkGranularity("tr", c.get(GuestTRLimit), c.rights(segTR).granularity())
}

func (c *Checker) guestTRMustBeUsable() error {
	if c.rights(segTR).unusable() {
		return fail("guest tr must be usable")
	}
	return nil
}

func (c *Checker) guestTRAccessRightsRemainingReservedBit0() error {
	if ar := c.rights(segTR); ar.reservedHigh() != 0 {
		return fail("guest tr access rights 0x%x bits 31:17 must be 0", uint64(ar))
	}
	return nil
}

func (c *Checker) guestLDTRTypeMustBe2() error {
	if !c.usable(segLDTR) {
		return nil
	}
	if t := c.rights(segLDTR).typ(); t != 2 {
		return fail("guest ldtr type %d must be 2 (ldt)", t)
	}
	return nil
}

func (c *Checker) guestLDTRMustBeASystemDescriptor() error {
	if !c.usable(segLDTR) {
		return nil
	}
	if !c.rights(segLDTR).system() {
		return fail("guest ldtr must be a system descriptor")
	}
	return nil
}

func (c *Checker) guestLDTRMustBePresent() error {
	if !c.usable(segLDTR) {
		return nil
	}
	if !c.rights(segLDTR).present() {
		return fail("guest ldtr must be present")
	}
	return nil
}

func (c *Checker) guestLDTRAccessRightsReservedMustBe0() error {
	if !c.usable(segLDTR) {
		return nil
	}
	if ar := c.rights(segLDTR); ar.reserved() != 0 {
		return fail("guest ldtr access rights 0x%x bits 11:8 must be 0", uint64(ar))
	}
	return nil
}

func (c *Checker) guestLDTRGranularity() error {
	if !c.usable(segLDTR) {
		return nil
	}
	return checkGranularity("ldtr", c.get(GuestLDTRLimit), c.rights(segLDTR).granularity())
}

func (c *Checker) guestLDTRAccessRightsRemainingReservedBit0() error {
	if !c.usable(segLDTR) {
		return nil
	}
	if ar := c.rights(segLDTR); ar.reservedHigh() != 0 {
		return fail("guest ldtr access rights 0x%x bits 31:17 must be 0", uint64(ar))
	}
	return nil
}
