package admission

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUMonitor reports CPU usage relative to the container's cgroup allocation
// when running inside a container, falling back to host-wide CPU percentage
// otherwise. Adapted from this codebase's cgroup-aware CPU reader, trimmed of
// throttle-event bookkeeping that this gateway's admission guard does not
// need.
type CPUMonitor struct {
	mu               sync.Mutex
	lastCPUUsec      uint64
	lastSampleTime   time.Time
	cgroupPath       string
	cgroupVersion    int
	numCPUsAllocated float64
	mode             string // "cgroup" or "host"
	logger           zerolog.Logger
}

// NewCPUMonitor detects cgroup configuration, falling back to host-wide
// measurement when no cgroup CPU controller is available (e.g. local dev,
// non-Linux).
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	cm := &CPUMonitor{lastSampleTime: time.Now(), logger: logger}

	path, version, err := detectCgroupPath()
	if err != nil {
		cm.mode = "host"
		cm.numCPUsAllocated = float64(runtime.NumCPU())
		logger.Debug().Err(err).Msg("cgroup detection failed, falling back to host CPU percentage")
		return cm
	}

	quota, period, err := readCPUQuota(path, version)
	if err != nil || quota <= 0 {
		cm.mode = "host"
		cm.numCPUsAllocated = float64(runtime.NumCPU())
		return cm
	}

	usage, err := readCPUUsage(path, version)
	if err != nil {
		cm.mode = "host"
		cm.numCPUsAllocated = float64(runtime.NumCPU())
		return cm
	}

	cm.mode = "cgroup"
	cm.cgroupPath = path
	cm.cgroupVersion = version
	cm.numCPUsAllocated = float64(quota) / float64(period)
	cm.lastCPUUsec = usage
	return cm
}

func (cm *CPUMonitor) Mode() string            { return cm.mode }
func (cm *CPUMonitor) GetAllocation() float64 { return cm.numCPUsAllocated }

// GetPercent returns CPU usage as a percentage of the allocated CPUs (cgroup
// mode) or of the whole host's CPU capacity (host mode).
func (cm *CPUMonitor) GetPercent() (float64, error) {
	if cm.mode != "cgroup" {
		return cm.GetHostPercent()
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	timeDelta := now.Sub(cm.lastSampleTime)

	currentUsec, err := readCPUUsage(cm.cgroupPath, cm.cgroupVersion)
	if err != nil {
		return 0, err
	}

	usageDelta := currentUsec - cm.lastCPUUsec
	timeDeltaUsec := timeDelta.Microseconds()
	if timeDeltaUsec <= 0 {
		return 0, fmt.Errorf("time delta too small")
	}

	rawPercent := (float64(usageDelta) / float64(timeDeltaUsec)) * 100.0
	percent := rawPercent / cm.numCPUsAllocated

	cm.lastCPUUsec = currentUsec
	cm.lastSampleTime = now

	return percent, nil
}

// GetHostPercent samples whole-host CPU usage via gopsutil, ignoring any
// container allocation.
func (cm *CPUMonitor) GetHostPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			continue
		}
		hierarchyID, controllers, cgroupPath := parts[0], parts[1], parts[2]

		if hierarchyID == "0" && controllers == "" {
			return "/sys/fs/cgroup" + cgroupPath, 2, nil
		}
		if strings.Contains(controllers, "cpu") {
			return "/sys/fs/cgroup/cpu" + cgroupPath, 1, nil
		}
	}
	return "", 0, fmt.Errorf("could not detect cgroup path")
}

func readCPUQuota(cgroupPath string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(cgroupPath + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %s", string(data))
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(cgroupPath + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(cgroupPath + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(cgroupPath string, version int) (uint64, error) {
	if version == 2 {
		file, err := os.Open(cgroupPath + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "usage_usec ") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					return strconv.ParseUint(fields[1], 10, 64)
				}
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(cgroupPath + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}
