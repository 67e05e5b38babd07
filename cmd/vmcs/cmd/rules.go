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

type ruleInfo struct {
	Family string `json:"family"`
	Group  string `json:"group"`
	Name   string `json:"name"`
}

var (
	rulesFamily string
	rulesJSON   bool
)

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.Flags().StringVarP(&rulesFamily, "family", "f", vmcs.FamilyAll, "only list rules of this family (controls, host, guest, all)")
	rulesCmd.Flags().BoolVar(&rulesJSON, "json", false, "output as JSON")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the consistency rules in execution order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rules []ruleInfo
		found := rulesFamily == vmcs.FamilyAll
		for _, f := range vmcs.Families() {
			if rulesFamily != vmcs.FamilyAll && f.Name != rulesFamily {
				continue
			}
			found = true
			for _, g := range f.Groups {
				for _, r := range g.Rules {
					rules = append(rules, ruleInfo{Family: f.Name, Group: g.Name, Name: r.Name})
				}
			}
		}
		if !found {
			return fmt.Errorf("unknown family %q", rulesFamily)
		}

		if jsonOutput(rulesJSON) {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rules)
		}

		var group string
		for _, r := range rules {
			if r.Group != group {
				group = r.Group
				fmt.Printf("%s/%s\n", r.Family, r.Group)
			}
			fmt.Printf("  %s\n", r.Name)
		}
		return nil
	},
}
