//go:build linux

package vmcs

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/unix"
)

// Supported returns true if the running CPU advertises VMX.
func Supported() (bool, error) {
	return cpuid.CPU.Supports(cpuid.VMX), nil
}

// msrFile reads model-specific registers of one logical CPU through the
// msr(4) driver.
type msrFile struct {
	f *os.File
}

func openMSR(cpu int) (*msrFile, error) {
	f, err := os.OpenFile(fmt.Sprintf("/dev/cpu/%d/msr", cpu), os.O_RDONLY, 0)
	if err != nil {
		var err2 error
		f, err2 = os.OpenFile(fmt.Sprintf("/dev/msr%d", cpu), os.O_RDONLY, 0)
		if err2 != nil {
			return nil, fmt.Errorf("failed to open msr device for cpu %d: %w", cpu, err)
		}
	}
	return &msrFile{f: f}, nil
}

func (m *msrFile) Close() error {
	return m.f.Close()
}

func (m *msrFile) read(msr uint32) (uint64, error) {
	var buf [8]byte
	n, err := unix.Pread(int(m.f.Fd()), buf[:], int64(msr))
	if err != nil {
		return 0, fmt.Errorf("failed to read msr %s: %w", MSRName(msr), err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("failed to read msr %s: short read (%d bytes)", MSRName(msr), n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ProbeCapabilities reads the VMX capability MSRs and IA32_EFER of cpu.
// MSRs the processor does not implement (e.g. the TRUE controls on older
// parts) are left at 0.
func ProbeCapabilities(cpu int) (*StaticCapabilities, error) {
	ok, err := Supported()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cpu does not support vmx", ErrUnsupported)
	}

	m, err := openMSR(cpu)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	caps := NewStaticCapabilities()
	for _, msr := range KnownMSRs() {
		v, err := m.read(msr)
		if err != nil {
			log.WithField("cpu", cpu).WithError(err).Debug("msr not readable")
			continue
		}
		caps.SetMSR(msr, v)
	}

	caps.SetFeature(FeatureVMX, true)
	caps.SetFeature(FeatureSGX, cpuid.CPU.Supports(cpuid.SGX))
	caps.SetFeature(FeatureRTM, cpuid.CPU.Supports(cpuid.RTM))

	width, err := physAddrWidth("/proc/cpuinfo")
	if err != nil {
		log.WithError(err).Warnf("using default physical-address width of %d bits", DefaultPhysAddrWidth)
	}
	caps.Width = width

	return caps, nil
}

// OnlineCPUs lists the CPUs exposed by the msr driver.
func OnlineCPUs() ([]int, error) {
	entries, err := os.ReadDir("/dev/cpu")
	if err != nil {
		return nil, fmt.Errorf("failed to list cpus: %w", err)
	}
	var cpus []int
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join("/dev/cpu", e.Name(), "msr")); err != nil {
			continue
		}
		cpus = append(cpus, n)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// physAddrWidth parses the "address sizes" line of a cpuinfo file.
func physAddrWidth(path string) (uint, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return parsePhysAddrWidth(bufio.NewScanner(f))
}

func parsePhysAddrWidth(s *bufio.Scanner) (uint, error) {
	for s.Scan() {
		key, val, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(key) != "address sizes" {
			continue
		}
		// "39 bits physical, 48 bits virtual"
		fields := strings.Fields(val)
		if len(fields) < 2 || fields[1] != "bits" {
			break
		}
		n, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid address sizes %q: %w", val, err)
		}
		return uint(n), nil
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no address sizes in cpuinfo")
}
