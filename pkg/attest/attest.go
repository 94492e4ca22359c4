// Package attest delegates attestation-token checks to an external verifier,
// typically a platform integrity service. The gateway treats any verifier
// failure as a 400-class rejection of the submission.
package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Verifier validates an attestation token for a device.
type Verifier interface {
	Verify(ctx context.Context, deviceID, token string) (bool, error)
}

// HTTPVerifier POSTs {device_id, token} to an external verification
// endpoint and accepts on {"valid": true}.
type HTTPVerifier struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPVerifier(endpoint string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, deviceID, token string) (bool, error) {
	payload, err := json.Marshal(map[string]string{"device_id": deviceID, "token": token})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("attestation verifier returned %d", resp.StatusCode)
	}

	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

// StaticVerifier returns a fixed result. Test helper and the default when no
// external verifier is configured.
type StaticVerifier struct {
	Valid bool
	Err   error
}

func (v *StaticVerifier) Verify(context.Context, string, string) (bool, error) {
	return v.Valid, v.Err
}
