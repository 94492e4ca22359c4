package admission

import "github.com/proofwork/ledger/pkg/resource"

// EnergyPolicy configures when a device is allowed to spend cycles on proof
// generation. Loaded at startup, hot-reloadable via config.PolicyStore.
type EnergyPolicy struct {
	RequireChargingOrHighBattery bool    `yaml:"require_charging_or_high_battery"`
	MinBatteryPercent            int     `yaml:"min_battery_percent"`
	MaxCPUTemperature            float64 `yaml:"max_cpu_temperature"`
	RequireScreenOff             bool    `yaml:"require_screen_off"`
}

// DefaultPolicy mirrors the thresholds baked into the reference devices:
// work only above 70% battery (or while charging), below 45C, screen off.
func DefaultPolicy() EnergyPolicy {
	return EnergyPolicy{
		RequireChargingOrHighBattery: true,
		MinBatteryPercent:            70,
		MaxCPUTemperature:            45.0,
		RequireScreenOff:             true,
	}
}

// Reasons identify the first failing predicate, in fixed evaluation order.
const (
	ReasonBattery     = "battery"
	ReasonTemperature = "temperature"
	ReasonScreen      = "screen"
)

type Decision struct {
	Eligible bool
	Reason   string
}

// Decide reports whether the device may produce a proof right now. Pure
// function: no I/O, no clock reads. Predicates are checked in a fixed order
// (battery/charging, temperature, screen) and the reason names the first
// one that failed.
func Decide(snap resource.Snapshot, policy EnergyPolicy) Decision {
	if policy.RequireChargingOrHighBattery && !snap.IsCharging && snap.BatteryPercent <= policy.MinBatteryPercent {
		return Decision{Eligible: false, Reason: ReasonBattery}
	}
	if snap.CPUTemperature >= policy.MaxCPUTemperature {
		return Decision{Eligible: false, Reason: ReasonTemperature}
	}
	if policy.RequireScreenOff && snap.ScreenOn {
		return Decision{Eligible: false, Reason: ReasonScreen}
	}
	return Decision{Eligible: true}
}
