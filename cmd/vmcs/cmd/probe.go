/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/blacktop/go-vmcs"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type msrValue struct {
	Name     string `json:"name"`
	Index    uint32 `json:"index"`
	Value    uint64 `json:"value"`
	Allowed0 uint32 `json:"allowed0"`
	Allowed1 uint32 `json:"allowed1"`
}

type probeResult struct {
	CPU           int             `json:"cpu"`
	PhysAddrWidth uint            `json:"phys_addr_width"`
	Features      map[string]bool `json:"features"`
	MSRs          []msrValue      `json:"msrs"`
	// Diff against the first probed cpu, only set with --all-cpus.
	Diff string `json:"diff,omitempty"`
}

var (
	probeCPU      int
	probeAllCPUs  bool
	probeJSON     bool
	probeSnapshot bool
)

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeCPU, "cpu", -1, "cpu to probe (default from config, else 0)")
	probeCmd.Flags().BoolVar(&probeAllCPUs, "all-cpus", false, "probe every cpu and report differences")
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "output as JSON")
	probeCmd.Flags().BoolVar(&probeSnapshot, "snapshot", false, "output a snapshot skeleton (YAML) for the probed cpu")
	probeCmd.MarkFlagsMutuallyExclusive("all-cpus", "snapshot")
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Dump the live VMX capability MSRs",
	Long: `Read the VMX capability MSRs through the msr driver (requires root and
'modprobe msr') and print them with their allowed-0/allowed-1 halves.

With --all-cpus every core is probed concurrently and cores whose capabilities
differ from the first one are reported.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

// checkSupported turns the result of vmcs.Supported into a single error.
func checkSupported(ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("failed to detect vmx support: %w", err)
	}
	if !ok {
		return fmt.Errorf("cpu does not report vmx: %w", vmcs.ErrUnsupported)
	}
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	if err := checkSupported(vmcs.Supported()); err != nil {
		return err
	}

	cpus := []int{probeCPU}
	if probeCPU < 0 {
		cpus[0] = conf.CPU
	}
	if probeAllCPUs {
		var err error
		if cpus, err = vmcs.OnlineCPUs(); err != nil {
			return err
		}
		if len(cpus) == 0 {
			return fmt.Errorf("no cpus exposed by the msr driver (is the msr module loaded?)")
		}
	}

	caps, err := probeCPUs(cmd.Context(), cpus)
	if err != nil {
		return err
	}

	if probeSnapshot {
		return printSnapshot(caps[0])
	}

	results := make([]probeResult, len(cpus))
	for i, cpu := range cpus {
		results[i] = newProbeResult(cpu, caps[i])
		if probeAllCPUs && i > 0 {
			results[i].Diff = cmp.Diff(caps[0], caps[i])
		}
	}

	if jsonOutput(probeJSON) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if probeAllCPUs {
			return enc.Encode(results)
		}
		return enc.Encode(results[0])
	}

	if !probeAllCPUs {
		printProbeResult(results[0])
		return nil
	}
	printProbeResult(results[0])
	for _, r := range results[1:] {
		if r.Diff == "" {
			fmt.Printf("cpu %d: identical to cpu %d\n", r.CPU, results[0].CPU)
			continue
		}
		fmt.Printf("cpu %d: differs from cpu %d (-cpu%d +cpu%d):\n%s", r.CPU, results[0].CPU, results[0].CPU, r.CPU, r.Diff)
	}
	return nil
}

// probeCPUs reads the capabilities of every cpu concurrently.
func probeCPUs(ctx context.Context, cpus []int) ([]*vmcs.StaticCapabilities, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	caps := make([]*vmcs.StaticCapabilities, len(cpus))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, cpu := range cpus {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := vmcs.ProbeCapabilities(cpu)
			if err != nil {
				return fmt.Errorf("cpu %d: %w", cpu, err)
			}
			if conf.PhysAddrWidth != 0 {
				c.Width = conf.PhysAddrWidth
			}
			caps[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return caps, nil
}

func newProbeResult(cpu int, caps *vmcs.StaticCapabilities) probeResult {
	res := probeResult{
		CPU:           cpu,
		PhysAddrWidth: caps.PhysAddrWidth(),
		Features:      make(map[string]bool),
	}
	for _, f := range []vmcs.Feature{vmcs.FeatureVMX, vmcs.FeatureSGX, vmcs.FeatureRTM} {
		res.Features[f.String()] = caps.FeaturePresent(f)
	}
	for _, msr := range vmcs.KnownMSRs() {
		v := caps.AllowedSettings(msr)
		res.MSRs = append(res.MSRs, msrValue{
			Name:     vmcs.MSRName(msr),
			Index:    msr,
			Value:    v,
			Allowed0: uint32(v),
			Allowed1: uint32(v >> 32),
		})
	}
	return res
}

func printProbeResult(r probeResult) {
	fmt.Printf("cpu %d (phys addr width %d bits)\n", r.CPU, r.PhysAddrWidth)

	names := make([]string, 0, len(r.Features))
	for n := range r.Features {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Printf("  %-4s %t\n", n, r.Features[n])
	}

	for _, m := range r.MSRs {
		fmt.Printf("  %-30s 0x%08x  0x%016x  allowed0=0x%08x allowed1=0x%08x\n",
			m.Name, m.Index, m.Value, m.Allowed0, m.Allowed1)
	}
}

func printSnapshot(caps *vmcs.StaticCapabilities) error {
	snap := vmcs.Snapshot{
		PhysAddrWidth: caps.PhysAddrWidth(),
		MSRs:          make(vmcs.ValueMap),
		Fields:        make(vmcs.ValueMap),
	}
	for _, f := range []vmcs.Feature{vmcs.FeatureVMX, vmcs.FeatureSGX, vmcs.FeatureRTM} {
		if caps.FeaturePresent(f) {
			snap.Features = append(snap.Features, f.String())
		}
	}
	for _, msr := range vmcs.KnownMSRs() {
		snap.MSRs[vmcs.MSRName(msr)] = caps.AllowedSettings(msr)
	}

	out, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}
