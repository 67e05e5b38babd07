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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/blacktop/go-vmcs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Config is the vmcs configuration file.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	// Output is "text" or "json".
	Output string `toml:"output"`
	CPU    int    `toml:"cpu"`
	// PhysAddrWidth overrides the physical-address width of snapshots and probes.
	PhysAddrWidth uint `toml:"phys_addr_width"`
	// Sanitize strips observed values from check failures.
	Sanitize bool `toml:"sanitize"`
}

// errCheckFailed is returned after a failing check has been reported.
var errCheckFailed = errors.New("vmcs check failed")

var (
	configFile string
	verbose    bool

	conf = Config{
		LogLevel:  "info",
		LogFormat: "text",
		Output:    "text",
	}
)

var rootCmd = &cobra.Command{
	Use:           "vmcs",
	Short:         "Validate Intel VMX control structures",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return setupLogging()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errCheckFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default $XDG_CONFIG_HOME/vmcs/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vmcs", "config.toml")
}

func loadConfig() error {
	path := configFile
	if path == "" {
		path = defaultConfigPath()
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}

	md, err := toml.DecodeFile(path, &conf)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logrus.WithField("key", key.String()).Warn("unknown config key")
	}
	if conf.Sanitize {
		os.Setenv("VMCS_ENV", "production")
	}
	return nil
}

func setupLogging() error {
	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level %q: %w", conf.LogLevel, err)
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	switch conf.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	default:
		return fmt.Errorf("invalid log_format %q (want text or json)", conf.LogFormat)
	}
	logrus.SetOutput(os.Stderr)

	vmcs.SetLogger(logrus.WithField("cmd", "vmcs"))
	return nil
}

// jsonOutput reports whether results should be printed as JSON.
func jsonOutput(flag bool) bool {
	return flag || conf.Output == "json"
}
