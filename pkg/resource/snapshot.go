package resource

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Snapshot is a point-in-time read of device conditions. Recomputed on every
// admission check, never persisted.
type Snapshot struct {
	BatteryPercent int       `json:"battery_percent"`
	IsCharging     bool      `json:"is_charging"`
	CPUTemperature float64   `json:"cpu_temperature_celsius"`
	ScreenOn       bool      `json:"screen_on"`
	Timestamp      time.Time `json:"timestamp"`
}

// Reader abstracts platform sensor access. This is the only place the agent
// touches battery, thermal, or display state.
type Reader interface {
	Read() (Snapshot, error)
}

// SystemReader reads battery and thermal state from whatever the host
// exposes: the termux-battery-status helper on Android shells, sysfs on
// plain Linux. Fields it cannot determine stay at conservative zero values.
type SystemReader struct {
	// BatteryCommand overrides the battery helper binary, for tests.
	BatteryCommand string
	// SysfsRoot overrides /sys for tests.
	SysfsRoot string
}

func NewSystemReader() *SystemReader {
	return &SystemReader{BatteryCommand: "termux-battery-status", SysfsRoot: "/sys"}
}

func (r *SystemReader) Read() (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	if out, err := exec.Command(r.BatteryCommand).Output(); err == nil {
		if bs, err := ParseBatteryStatus(out); err == nil {
			snap.BatteryPercent = bs.Percentage
			snap.IsCharging = bs.Charging()
		}
	} else {
		snap.BatteryPercent, snap.IsCharging = r.readSysfsBattery()
	}

	snap.CPUTemperature = r.readSysfsTemperature()
	snap.ScreenOn = r.readScreenState()
	return snap, nil
}

// BatteryStatus matches the JSON emitted by termux-battery-status.
type BatteryStatus struct {
	Percentage int    `json:"percentage"`
	Plugged    string `json:"plugged"`
	Status     string `json:"status"`
}

func (b BatteryStatus) Charging() bool {
	if strings.EqualFold(b.Status, "CHARGING") || strings.EqualFold(b.Status, "FULL") {
		return true
	}
	return b.Plugged != "" && !strings.EqualFold(b.Plugged, "UNPLUGGED")
}

func ParseBatteryStatus(data []byte) (BatteryStatus, error) {
	var bs BatteryStatus
	if err := json.Unmarshal(data, &bs); err != nil {
		return BatteryStatus{}, err
	}
	return bs, nil
}

func (r *SystemReader) readSysfsBattery() (int, bool) {
	base := filepath.Join(r.SysfsRoot, "class", "power_supply")
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		capPath := filepath.Join(base, e.Name(), "capacity")
		data, err := os.ReadFile(capPath)
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		charging := false
		if st, err := os.ReadFile(filepath.Join(base, e.Name(), "status")); err == nil {
			s := strings.TrimSpace(string(st))
			charging = strings.EqualFold(s, "Charging") || strings.EqualFold(s, "Full")
		}
		return pct, charging
	}
	return 0, false
}

func (r *SystemReader) readSysfsTemperature() float64 {
	base := filepath.Join(r.SysfsRoot, "class", "thermal")
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}
	var max float64
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "thermal_zone") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(base, e.Name(), "temp"))
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		// thermal_zone temps are millidegrees
		if c := milli / 1000; c > max {
			max = c
		}
	}
	return max
}

func (r *SystemReader) readScreenState() bool {
	// Headless hosts have no backlight entries; treat that as screen off.
	base := filepath.Join(r.SysfsRoot, "class", "backlight")
	entries, err := os.ReadDir(base)
	if err != nil {
		return false
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(base, e.Name(), "bl_power"))
		if err != nil {
			continue
		}
		// 0 = display powered, 4 = blanked (FB_BLANK_POWERDOWN)
		return strings.TrimSpace(string(data)) == "0"
	}
	return false
}

// StaticReader returns a fixed snapshot. Test and simulation helper.
type StaticReader struct {
	Snapshot Snapshot
	Err      error
}

func (s *StaticReader) Read() (Snapshot, error) {
	snap := s.Snapshot
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	return snap, s.Err
}
