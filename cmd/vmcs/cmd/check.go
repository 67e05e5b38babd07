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
	"encoding/json"
	"fmt"
	"os"

	"github.com/blacktop/go-vmcs"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Snapshot string        `json:"snapshot"`
	Family   string        `json:"family,omitempty"`
	Rule     string        `json:"rule,omitempty"`
	Passed   bool          `json:"passed"`
	Failure  *checkFailure `json:"failure,omitempty"`
	Error    string        `json:"error,omitempty"`
	Metrics  *vmcs.Metrics `json:"metrics,omitempty"`
}

type checkFailure struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail,omitempty"`
}

var (
	checkFamily  string
	checkRule    string
	checkJSON    bool
	checkMetrics bool
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkFamily, "family", "f", vmcs.FamilyAll, "rule family to run (controls, host, guest, all)")
	checkCmd.Flags().StringVarP(&checkRule, "rule", "r", "", "run a single rule by name")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "output result as JSON")
	checkCmd.Flags().BoolVar(&checkMetrics, "metrics", false, "include checker metrics")
	checkCmd.MarkFlagsMutuallyExclusive("family", "rule")
}

var checkCmd = &cobra.Command{
	Use:   "check <snapshot.yaml>",
	Short: "Check a VMCS snapshot against its processor's capabilities",
	Long: `Load a YAML VMCS snapshot and run the VM-entry consistency checks.

The snapshot holds the capability MSRs of the processor, the VMCS fields and
any guest memory the checks need (VMCS link target, virtual-APIC page, PAE
PDPT). The first failing rule is reported and the exit status is non-zero.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	snap, err := vmcs.LoadSnapshot(args[0])
	if err != nil {
		return err
	}
	if conf.PhysAddrWidth != 0 {
		snap.PhysAddrWidth = conf.PhysAddrWidth
	}

	c, err := snap.Checker(vmcs.WithMetrics(checkMetrics))
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	vmcs.ResetMetrics()
	if checkRule != "" {
		err = c.RunRule(checkRule)
	} else {
		err = c.RunFamily(checkFamily)
	}

	res := checkResult{
		Snapshot: args[0],
		Rule:     checkRule,
		Passed:   err == nil,
	}
	if checkRule == "" {
		res.Family = checkFamily
	}
	if cf, ok := vmcs.IsCheckFailure(err); ok {
		res.Failure = &checkFailure{Rule: cf.Rule, Detail: cf.Detail}
		if conf.Sanitize {
			res.Failure.Detail = ""
		}
	} else if err != nil {
		res.Error = err.Error()
	}
	if checkMetrics {
		m := vmcs.GetMetrics()
		res.Metrics = &m
	}

	if jsonOutput(checkJSON) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else {
		printCheckResult(res)
	}

	if !res.Passed {
		return errCheckFailed
	}
	return nil
}

func printCheckResult(res checkResult) {
	switch {
	case res.Passed:
		fmt.Println("PASS")
	case res.Failure != nil:
		fmt.Printf("FAIL %s\n", res.Failure.Rule)
		if res.Failure.Detail != "" {
			fmt.Printf("  %s\n", res.Failure.Detail)
		}
	default:
		fmt.Printf("ERROR %s\n", res.Error)
	}
	if m := res.Metrics; m != nil {
		fmt.Printf("rules evaluated: %d, failed: %d, logic errors: %d, translation errors: %d\n",
			m.RulesEvaluated, m.RulesFailed, m.LogicErrors, m.TranslationErrors)
	}
}
