package health

import (
	"fmt"
	"net/http"
	"time"
)

// Status summarizes the agent's view of its operating environment at
// startup: can it reach the gateway, and is local time close enough to the
// gateway's for signed timestamps to validate.
type Status struct {
	GatewayReachable bool      `json:"gateway_reachable"`
	TimeDrift        int       `json:"time_drift_seconds"`
	CheckedAt        time.Time `json:"checked_at"`
	Healthy          bool      `json:"healthy"`
	Issues           []string  `json:"issues,omitempty"`
}

// Check probes the gateway health endpoint and estimates clock drift from
// its Date header.
func Check(gatewayURL string, maxDriftSeconds int) *Status {
	status := &Status{Healthy: true, Issues: []string{}, CheckedAt: time.Now()}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(gatewayURL + "/v1/health")
	if err != nil {
		status.GatewayReachable = false
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach gateway: %v", err))
		return status
	}
	defer resp.Body.Close()

	status.GatewayReachable = resp.StatusCode == http.StatusOK
	if !status.GatewayReachable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("gateway unhealthy: %d", resp.StatusCode))
	}

	if serverDate, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		drift := int(time.Since(serverDate).Seconds())
		if drift < 0 {
			drift = -drift
		}
		status.TimeDrift = drift
		if maxDriftSeconds > 0 && drift > maxDriftSeconds {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", drift, maxDriftSeconds))
		}
	}

	return status
}
