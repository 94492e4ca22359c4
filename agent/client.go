package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/proofwork/ledger/pkg/admission"
	"github.com/proofwork/ledger/pkg/config"
	"github.com/proofwork/ledger/pkg/digest"
	"github.com/proofwork/ledger/pkg/identity"
	"github.com/proofwork/ledger/pkg/resource"
	"github.com/proofwork/ledger/pkg/signing"
)

// State enumerates every outcome SubmitOnce can produce. There is no silent
// failure mode: a cycle either skipped, landed a receipt, or errored.
type State string

const (
	StateSkipped  State = "skipped"
	StateAccepted State = "accepted"
	StatePending  State = "pending"
)

// Result is the device operator's view of one submission cycle.
type Result struct {
	State        State
	Reason       string
	SubmissionID string
	BlockHeight  *int64
	Attempts     int
}

// ErrConflict means the gateway holds a submission with our digest but a
// different payload. Content addressing should make this impossible, so it
// is a hard error requiring investigation, never a retry.
var ErrConflict = errors.New("digest conflict with differing payload")

type submissionRequest struct {
	DeviceID         string `json:"device_id"`
	PublicKey        string `json:"public_key"`
	Digest           string `json:"digest"`
	Signature        string `json:"signature"`
	AttestationToken string `json:"attestation_token,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

type submissionReceipt struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	BlockHeight  *int64 `json:"block_height"`
}

// Client orchestrates one submission: admission gate, digest, signature,
// transmit with bounded retry.
type Client struct {
	cfg      *config.AgentConfig
	identity *identity.Identity
	signer   signing.Module
	reader   resource.Reader
	policies *config.PolicyStore
	http     *http.Client
	retry    *retrier
	attToken string
}

func NewClient(cfg *config.AgentConfig, id *identity.Identity, signer signing.Module, reader resource.Reader, policies *config.PolicyStore) *Client {
	return &Client{
		cfg:      cfg,
		identity: id,
		signer:   signer,
		reader:   reader,
		policies: policies,
		http: &http.Client{
			Timeout: time.Duration(cfg.Gateway.RequestTimeout) * time.Second,
		},
		retry: newRetrier(cfg.Gateway.RetryInitialMs, cfg.Gateway.RetryMaxMs, cfg.Gateway.RetryMaxRetries),
	}
}

// SubmitOnce runs a full submission cycle for the given proof input.
// An ineligible device yields StateSkipped with the policy reason; that is a
// deliberate no-op, not an error. signing.ErrKeyUnavailable is fatal to the
// agent and is returned unwrapped in the chain for the caller to detect.
func (c *Client) SubmitOnce(ctx context.Context, input []byte) (*Result, error) {
	snap, err := c.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read resource snapshot: %w", err)
	}

	decision := admission.Decide(snap, c.policies.Current())
	if !decision.Eligible {
		return &Result{State: StateSkipped, Reason: decision.Reason}, nil
	}

	ts := time.Now().UnixMilli()
	dig := digest.Compute(input, c.identity.DeviceID, ts)
	sig, err := c.signer.Sign(dig)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}

	req := submissionRequest{
		DeviceID:         c.identity.DeviceID,
		PublicKey:        base64.StdEncoding.EncodeToString(c.signer.PublicKey()),
		Digest:           hex.EncodeToString(dig),
		Signature:        hex.EncodeToString(sig),
		AttestationToken: c.attToken,
		Timestamp:        ts,
	}

	var receipt submissionReceipt
	attempts := 0
	err = c.retry.do(func() error {
		attempts++
		return c.transmit(ctx, req, &receipt)
	}, isRetryable)
	if err != nil {
		return nil, err
	}

	result := &Result{
		State:        StatePending,
		SubmissionID: receipt.SubmissionID,
		BlockHeight:  receipt.BlockHeight,
		Attempts:     attempts,
	}
	if strings.EqualFold(receipt.Status, "accepted") {
		result.State = StateAccepted
	}
	return result, nil
}

func (c *Client) transmit(ctx context.Context, sub submissionRequest, receipt *submissionReceipt) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	url := strings.TrimRight(c.cfg.Gateway.URL, "/") + "/v1/submissions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Gateway.IngestToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Gateway.IngestToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return json.NewDecoder(resp.Body).Decode(receipt)
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusTooManyRequests:
		return statusError{status: resp.StatusCode, retryAfter: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return statusError{status: resp.StatusCode}
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway rejected submission: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// buildProofInput derives the cycle's proof input from current device state.
func buildProofInput(deviceID string, snap resource.Snapshot) []byte {
	payload := map[string]any{
		"device_id":       deviceID,
		"battery_percent": snap.BatteryPercent,
		"is_charging":     snap.IsCharging,
		"cpu_temperature": snap.CPUTemperature,
		"observed_at":     snap.Timestamp.UnixMilli(),
	}
	data, _ := json.Marshal(payload)
	return data
}
