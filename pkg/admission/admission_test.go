package admission

import (
	"testing"

	"github.com/proofwork/ledger/pkg/resource"
)

func TestDecide(t *testing.T) {
	policy := EnergyPolicy{RequireChargingOrHighBattery: true, MinBatteryPercent: 70, MaxCPUTemperature: 45, RequireScreenOff: true}

	tests := []struct {
		name         string
		snap         resource.Snapshot
		wantEligible bool
		wantReason   string
	}{
		{
			name:         "healthy device on battery",
			snap:         resource.Snapshot{BatteryPercent: 80, IsCharging: false, CPUTemperature: 30, ScreenOn: false},
			wantEligible: true,
		},
		{
			name:         "low battery not charging",
			snap:         resource.Snapshot{BatteryPercent: 50, IsCharging: false, CPUTemperature: 30, ScreenOn: false},
			wantEligible: false,
			wantReason:   ReasonBattery,
		},
		{
			name:         "low battery but charging",
			snap:         resource.Snapshot{BatteryPercent: 10, IsCharging: true, CPUTemperature: 30, ScreenOn: false},
			wantEligible: true,
		},
		{
			name:         "too hot",
			snap:         resource.Snapshot{BatteryPercent: 90, IsCharging: true, CPUTemperature: 47.5, ScreenOn: false},
			wantEligible: false,
			wantReason:   ReasonTemperature,
		},
		{
			name:         "screen on",
			snap:         resource.Snapshot{BatteryPercent: 90, IsCharging: true, CPUTemperature: 30, ScreenOn: true},
			wantEligible: false,
			wantReason:   ReasonScreen,
		},
		{
			name:         "battery failure reported before temperature",
			snap:         resource.Snapshot{BatteryPercent: 20, IsCharging: false, CPUTemperature: 60, ScreenOn: true},
			wantEligible: false,
			wantReason:   ReasonBattery,
		},
		{
			name:         "temperature failure reported before screen",
			snap:         resource.Snapshot{BatteryPercent: 90, IsCharging: false, CPUTemperature: 60, ScreenOn: true},
			wantEligible: false,
			wantReason:   ReasonTemperature,
		},
		{
			name:         "battery exactly at threshold fails",
			snap:         resource.Snapshot{BatteryPercent: 70, IsCharging: false, CPUTemperature: 30, ScreenOn: false},
			wantEligible: false,
			wantReason:   ReasonBattery,
		},
		{
			name:         "temperature exactly at threshold fails",
			snap:         resource.Snapshot{BatteryPercent: 90, IsCharging: false, CPUTemperature: 45, ScreenOn: false},
			wantEligible: false,
			wantReason:   ReasonTemperature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.snap, policy)
			if got.Eligible != tt.wantEligible {
				t.Errorf("Decide() eligible = %v, want %v", got.Eligible, tt.wantEligible)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Decide() reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestDecideScreenNotRequired(t *testing.T) {
	policy := EnergyPolicy{RequireChargingOrHighBattery: true, MinBatteryPercent: 70, MaxCPUTemperature: 45, RequireScreenOff: false}
	snap := resource.Snapshot{BatteryPercent: 90, IsCharging: false, CPUTemperature: 30, ScreenOn: true}
	if got := Decide(snap, policy); !got.Eligible {
		t.Errorf("Decide() = %+v, want eligible with screen check disabled", got)
	}
}

func TestDecideChargingGateDisabled(t *testing.T) {
	policy := EnergyPolicy{RequireChargingOrHighBattery: false, MinBatteryPercent: 70, MaxCPUTemperature: 45, RequireScreenOff: true}
	snap := resource.Snapshot{BatteryPercent: 10, IsCharging: false, CPUTemperature: 30, ScreenOn: false}
	if got := Decide(snap, policy); !got.Eligible {
		t.Errorf("Decide() = %+v, want eligible with battery gate disabled", got)
	}

	// The other predicates still apply.
	snap.CPUTemperature = 50
	if got := Decide(snap, policy); got.Eligible || got.Reason != ReasonTemperature {
		t.Errorf("Decide() = %+v, want temperature rejection", got)
	}
}

// An eligible snapshot must stay eligible when every dimension improves.
func TestDecideMonotonic(t *testing.T) {
	policy := DefaultPolicy()

	base := resource.Snapshot{BatteryPercent: 75, IsCharging: false, CPUTemperature: 40, ScreenOn: false}
	if got := Decide(base, policy); !got.Eligible {
		t.Fatalf("base snapshot should be eligible, got reason %q", got.Reason)
	}

	better := []resource.Snapshot{
		{BatteryPercent: 90, IsCharging: false, CPUTemperature: 40, ScreenOn: false},
		{BatteryPercent: 75, IsCharging: true, CPUTemperature: 40, ScreenOn: false},
		{BatteryPercent: 75, IsCharging: false, CPUTemperature: 25, ScreenOn: false},
		{BatteryPercent: 100, IsCharging: true, CPUTemperature: 20, ScreenOn: false},
	}
	for i, snap := range better {
		if got := Decide(snap, policy); !got.Eligible {
			t.Errorf("strictly better snapshot %d became ineligible: %q", i, got.Reason)
		}
	}
}
