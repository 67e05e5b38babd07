// Package vmcs validates Intel VMX virtual-machine control structures before
// VM-entry.
//
// A Checker walks the VM-execution, VM-exit and VM-entry control fields, the
// host-state area and the guest-state area and certifies that every value
// satisfies the processor's documented consistency checks. Rules are
// evaluated against the capability MSRs of the processor the VMCS will run
// on, so a rule whose feature is absent passes vacuously.
//
// # Basic Usage
//
// Describe the processor and the VMCS:
//
//	caps, err := vmcs.ProbeCapabilities(0) // or vmcs.NewStaticCapabilities()
//	if err != nil {
//		log.Fatal(err)
//	}
//	store := vmcs.NewMapStore(caps)
//	store.Set(vmcs.GuestCR0, 0x80000031)
//	// ...
//
// Make guest memory visible to the rules that read it (the VMCS link
// pointer target, the virtual-APIC page and the PAE PDPT):
//
//	mem := vmcs.NewMemoryMap()
//	page := make([]byte, vmcs.PageSize)
//	if err := mem.Map(page, 0x5000); err != nil {
//		log.Fatal(err)
//	}
//
// Run the checks:
//
//	c := vmcs.New(store, caps, mem)
//	if err := c.All(); err != nil {
//		if cf, ok := vmcs.IsCheckFailure(err); ok {
//			fmt.Println("illegal vmcs:", cf.Rule)
//		}
//	}
//
// Or gate the VM-entry itself:
//
//	err = vmcs.Enter(c, func() error { return vmlaunch() })
//
// # Error Handling
//
// A violated rule returns a *CheckFailure naming the rule. Reading a field
// the processor does not implement is a *LogicError and is returned as is;
// it indicates a defect in the caller rather than bad VMCS state. Memory that
// a rule cannot translate is reported as that rule's CheckFailure.
//
// Setting VMCS_ENV=production (or VMCS_DEBUG=false) strips observed values
// from CheckFailure messages.
//
// # Snapshots
//
// LoadSnapshot reads a YAML description of the capability MSRs, fields and
// memory, which is what the vmcs command line tool checks offline.
//
// # Platform Support
//
// Live capability probing needs Linux and the msr driver (modprobe msr).
// Everything else is portable.
package vmcs
