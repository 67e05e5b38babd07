package vmcs

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Rule is a single VMCS consistency check. Check returns nil when the rule
// passes or does not apply, and a *CheckFailure when it is violated.
type Rule struct {
	Name  string
	Check func(*Checker) error
}

// Group is an ordered list of rules covering one area of the VMCS.
type Group struct {
	Name  string
	Rules []Rule
}

// Family is an ordered list of groups.
type Family struct {
	Name   string
	Groups []Group
}

// Rules returns the family's rules in execution order.
func (f Family) Rules() []Rule {
	var rules []Rule
	for _, g := range f.Groups {
		rules = append(rules, g.Rules...)
	}
	return rules
}

// Family names accepted by RunFamily.
const (
	FamilyControls = "controls"
	FamilyHost     = "host"
	FamilyGuest    = "guest"
	FamilyAll      = "all"
)

// Families returns the rule families in the order All runs them.
func Families() []Family {
	return []Family{
		{Name: FamilyControls, Groups: []Group{controlsExecution, controlsExit, controlsEntry}},
		{Name: FamilyHost, Groups: []Group{hostControlRegisters, hostSegments, hostAddressSpace}},
		{Name: FamilyGuest, Groups: []Group{
			guestControlRegisters,
			guestSegments(),
			guestDescriptorTables,
			guestRIPAndRFLAGS,
			guestNonRegisterState,
			guestPDPTEs(),
		}},
	}
}

// Rules returns every rule in the order All runs them.
func Rules() []Rule {
	var rules []Rule
	for _, f := range Families() {
		rules = append(rules, f.Rules()...)
	}
	return rules
}

// Checker validates a VMCS against the processor's capabilities.
type Checker struct {
	store   Store
	caps    Capabilities
	mem     PhysMem
	log     *logrus.Entry
	metrics bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger for rule diagnostics.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Checker) { c.log = l }
}

// WithMetrics enables or disables metric recording (enabled by default).
// It covers the rule and run counters only; see Metrics.
func WithMetrics(enabled bool) Option {
	return func(c *Checker) { c.metrics = enabled }
}

// New creates a Checker. mem may be nil if no rule needs to inspect memory;
// such rules then fail as if the address were unmapped.
func New(store Store, caps Capabilities, mem PhysMem, opts ...Option) *Checker {
	c := &Checker{
		store:   store,
		caps:    caps,
		mem:     mem,
		log:     log,
		metrics: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mem == nil {
		c.mem = NewMemoryMap()
	}
	return c
}

// VMXControlsAll runs the VM-execution, VM-exit and VM-entry control rules.
func (c *Checker) VMXControlsAll() error {
	return c.runFamily(Families()[0])
}

// HostStateAll runs the host-state rules.
func (c *Checker) HostStateAll() error {
	return c.runFamily(Families()[1])
}

// GuestStateAll runs the guest-state rules.
func (c *Checker) GuestStateAll() error {
	return c.runFamily(Families()[2])
}

// All runs every family and returns the first failure.
func (c *Checker) All() error {
	start := time.Now()
	defer func() {
		if c.metrics {
			recordFullRun(time.Since(start))
		}
	}()

	if err := c.VMXControlsAll(); err != nil {
		return err
	}
	if err := c.HostStateAll(); err != nil {
		return err
	}
	return c.GuestStateAll()
}

// RunFamily runs the named family, or every family for FamilyAll.
func (c *Checker) RunFamily(name string) error {
	if name == FamilyAll || name == "" {
		return c.All()
	}
	for _, f := range Families() {
		if f.Name == name {
			return c.runFamily(f)
		}
	}
	return fmt.Errorf("vmcs: unknown family %q", name)
}

// RunRule runs a single rule by name.
func (c *Checker) RunRule(name string) error {
	for _, r := range Rules() {
		if r.Name == name {
			return c.run(r)
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownRule, name)
}

func (c *Checker) runFamily(f Family) error {
	if c.metrics {
		recordFamilyRun()
	}
	for _, g := range f.Groups {
		for _, r := range g.Rules {
			if err := c.run(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Checker) run(r Rule) error {
	err := c.eval(r)
	if c.metrics {
		recordRule(err != nil)
	}
	if err != nil {
		c.log.WithField("rule", r.Name).WithError(err).Debug("vmcs check failed")
	}
	return err
}

// storeError carries a Store failure out of a rule body.
type storeError struct{ err error }

func (c *Checker) eval(r Rule) (err error) {
	defer func() {
		if p := recover(); p != nil {
			se, ok := p.(storeError)
			if !ok {
				panic(p)
			}
			err = se.err
		}
	}()

	if err = r.Check(c); err != nil {
		var cf *CheckFailure
		if errors.As(err, &cf) && cf.Rule == "" {
			cf.Rule = r.Name
		}
	}
	return err
}

// get reads a field that must exist. A Store error aborts the running rule
// and is returned from it unchanged.
func (c *Checker) get(f *Field) uint64 {
	v, err := c.store.Get(f)
	if err != nil {
		panic(storeError{err})
	}
	return v
}

// getIfExists reads a field, returning 0 if it does not exist.
func (c *Checker) getIfExists(f *Field) uint64 {
	return c.store.GetIfExists(f, false)
}

func (c *Checker) enabled(ctl Control) bool {
	return isOn(c.get(ctl.Field), ctl.Mask())
}

// enabledIfExists treats an absent control field as all controls disabled.
func (c *Checker) enabledIfExists(ctl Control) bool {
	return isOn(c.getIfExists(ctl.Field), ctl.Mask())
}

// secondaryEnabled reports whether a secondary control is in effect.
func (c *Checker) secondaryEnabled(ctl Control) bool {
	return c.enabled(CtlActivateSecondaryControls) && c.enabledIfExists(ctl)
}

// unrestrictedGuest reports whether the unrestricted-guest control is in effect.
func (c *Checker) unrestrictedGuest() bool {
	return c.secondaryEnabled(CtlUnrestrictedGuest)
}

// readPhys reads a quadword for rule, translating memory errors into a
// CheckFailure.
func (c *Checker) readPhys(what string, phys uint64) (uint64, error) {
	v, err := ReadUint64(c.mem, phys)
	if err != nil {
		return 0, fail("%s at 0x%x could not be read: %v", what, phys, err)
	}
	return v, nil
}
