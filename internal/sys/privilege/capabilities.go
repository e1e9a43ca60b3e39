package privilege

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Linux capability bit positions (from include/uapi/linux/capability.h).
const (
	capSysPtrace = 19 // CAP_SYS_PTRACE
	capSysAdmin  = 21 // CAP_SYS_ADMIN
	capPerfmon   = 38 // CAP_PERFMON (kernel 5.8+)
)

const (
	procSelfStatus   = "/proc/self/status"
	perfParanoidPath = "/proc/sys/kernel/perf_event_paranoid"
	paranoidMostOpen = -1
	maxUserParanoid  = 2
	unknownParanoid  = -2
)

// Capabilities are the effective capabilities that matter for sampling.
type Capabilities struct {
	// SysPtrace lets pidstat read /proc/<pid>/io of other users' processes.
	SysPtrace bool
	// SysAdmin implies every other capability on kernels without CAP_PERFMON.
	SysAdmin bool
	// Perfmon lets perf stat count any process regardless of perf_event_paranoid.
	Perfmon bool
}

// DetectCapabilities reads the effective capabilities of the current
// process. Other platforms report none.
func DetectCapabilities() (Capabilities, error) {
	if runtime.GOOS != "linux" {
		return Capabilities{}, nil
	}

	capEff, err := readCapabilityBitmask(procSelfStatus, "CapEff")
	if err != nil {
		return Capabilities{}, fmt.Errorf("failed to read capabilities: %w", err)
	}

	return Capabilities{
		SysPtrace: hasCapability(capEff, capSysPtrace),
		SysAdmin:  hasCapability(capEff, capSysAdmin),
		Perfmon:   hasCapability(capEff, capPerfmon),
	}, nil
}

// CanCountAny reports whether perf stat may attach to processes of other users.
func (c Capabilities) CanCountAny() bool {
	return c.Perfmon || c.SysAdmin
}

// CanReadAnyIO reports whether pidstat -d can read other users' I/O counters.
func (c Capabilities) CanReadAnyIO() bool {
	return c.SysPtrace || c.SysAdmin
}

// PerfEventParanoid returns the kernel's perf_event_paranoid level.
func PerfEventParanoid() (int, error) {
	return readParanoid(perfParanoidPath)
}

func readParanoid(path string) (int, error) {
	// #nosec G304 -- fixed procfs path.
	data, err := os.ReadFile(path)
	if err != nil {
		return unknownParanoid, fmt.Errorf("failed to read %s: %w", path, err)
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return unknownParanoid, fmt.Errorf("invalid perf_event_paranoid %q: %w", strings.TrimSpace(string(data)), err)
	}
	return level, nil
}

// PerfAllowsUser reports whether an unprivileged user may count its own
// processes at the given paranoid level. Levels above 2 are distribution
// patches that disable perf for unprivileged users entirely.
func PerfAllowsUser(level int) bool {
	return level >= paranoidMostOpen && level <= maxUserParanoid
}

// readCapabilityBitmask reads a capability bitmask from a proc status file.
func readCapabilityBitmask(procStatusPath, capName string) (uint64, error) {
	// #nosec G304 -- procfs path.
	file, err := os.Open(procStatusPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", procStatusPath, err)
	}
	defer file.Close() // nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, capName+":") {
			continue
		}

		// Format: "CapEff:\t00000000a80435fb"
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0, fmt.Errorf("invalid %s format: %s", capName, line)
		}

		bitmask, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s bitmask: %w", capName, err)
		}
		return bitmask, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", procStatusPath, err)
	}
	return 0, fmt.Errorf("%s not found in %s", capName, procStatusPath)
}

func hasCapability(bitmask uint64, capBit int) bool {
	return (bitmask & (1 << uint(capBit))) != 0
}
