// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skillweave/skillweave/internal/log"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

// Gateway is an HTTP Generator speaking the LiteLLM-compatible API.
type Gateway struct {
	baseURL      string
	client       *http.Client
	limiter      *rate.Limiter
	secrets      skill.Secrets
	logger       *slog.Logger
	allowedHosts []string

	// pollInterval spaces job status polls for async asset generation.
	pollInterval time.Duration
}

// GatewayConfig configures the HTTP generator.
type GatewayConfig struct {
	// BaseURL overrides LITELLM_BASE_URL.
	BaseURL string

	// Timeout bounds each HTTP round trip. Defaults to 60s.
	Timeout time.Duration

	// RatePerSecond throttles outbound calls. Zero disables throttling.
	RatePerSecond float64

	// AllowedHosts restricts where the gateway may connect.
	AllowedHosts []string
}

// NewGateway creates the HTTP generator. Logger may be nil.
func NewGateway(cfg GatewayConfig, secrets skill.Secrets, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base := cfg.BaseURL
	if base == "" {
		base, _ = secrets.Get("LITELLM_BASE_URL")
	}
	if base == "" {
		return nil, &enginerrors.ConfigError{
			Key:    "provider.base_url",
			Reason: "no gateway URL configured and LITELLM_BASE_URL is unset",
		}
	}
	base = strings.TrimRight(base, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Gateway{
		baseURL:      base,
		client:       &http.Client{Timeout: timeout},
		limiter:      limiter,
		secrets:      secrets,
		logger:       log.WithComponent(logger, "provider"),
		allowedHosts: cfg.AllowedHosts,
		pollInterval: 2 * time.Second,
	}, nil
}

// GenerateTextAndWait implements Generator.
func (g *Gateway) GenerateTextAndWait(ctx context.Context, req TextRequest) (*TextResult, error) {
	start := time.Now()
	var resp struct {
		Text      string `json:"text"`
		Model     string `json:"model"`
		Tokens    int    `json:"tokens"`
		RequestID string `json:"request_id"`
	}
	if err := g.post(ctx, "/v1/text/generations", req, &resp); err != nil {
		return nil, err
	}
	return &TextResult{
		Text:       resp.Text,
		Model:      resp.Model,
		Tokens:     resp.Tokens,
		RequestID:  resp.RequestID,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// GenerateImageAndWait implements Generator.
func (g *Gateway) GenerateImageAndWait(ctx context.Context, req ImageRequest) (*Binary, error) {
	return g.generateBinary(ctx, "/v1/images/generations", req)
}

// GenerateAudioAndWait implements Generator.
func (g *Gateway) GenerateAudioAndWait(ctx context.Context, req AudioRequest) (*Binary, error) {
	return g.generateBinary(ctx, "/v1/audio/generations", req)
}

// Generate3DAssetAndWait implements Generator. Asset jobs are
// asynchronous upstream: submit, then poll until the job settles or the
// step deadline cancels ctx.
func (g *Gateway) Generate3DAssetAndWait(ctx context.Context, req AssetRequest) (*Binary, error) {
	start := time.Now()

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := g.post(ctx, "/v1/assets/jobs", req, &submitted); err != nil {
		return nil, err
	}
	if submitted.JobID == "" {
		return nil, &enginerrors.ProviderError{
			Provider: "gateway", ErrCode: enginerrors.CodeGenerationFailed,
			Message: "asset job submission returned no job id",
		}
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, mapTransportError(ctx.Err())
		case <-ticker.C:
		}

		var status struct {
			State       string `json:"state"` // pending | running | succeeded | failed
			Error       string `json:"error"`
			ContentB64  string `json:"content_b64"`
			ContentType string `json:"content_type"`
			Model       string `json:"model"`
			RequestID   string `json:"request_id"`
		}
		if err := g.get(ctx, "/v1/assets/jobs/"+submitted.JobID, &status); err != nil {
			return nil, err
		}
		switch status.State {
		case "succeeded":
			data, err := base64.StdEncoding.DecodeString(status.ContentB64)
			if err != nil {
				return nil, &enginerrors.ProviderError{
					Provider: "gateway", ErrCode: enginerrors.CodeGenerationFailed,
					Message: "asset job returned undecodable content", Cause: err,
				}
			}
			return &Binary{
				Data:        data,
				ContentType: status.ContentType,
				Model:       status.Model,
				RequestID:   status.RequestID,
				DurationMS:  time.Since(start).Milliseconds(),
			}, nil
		case "failed":
			return nil, &enginerrors.ProviderError{
				Provider: "gateway", ErrCode: enginerrors.CodeGenerationFailed,
				Message: status.Error, RequestID: status.RequestID,
			}
		}
	}
}

func (g *Gateway) generateBinary(ctx context.Context, path string, req any) (*Binary, error) {
	start := time.Now()
	var resp struct {
		ContentB64  string `json:"content_b64"`
		ContentType string `json:"content_type"`
		Model       string `json:"model"`
		RequestID   string `json:"request_id"`
	}
	if err := g.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.ContentB64)
	if err != nil {
		return nil, &enginerrors.ProviderError{
			Provider: "gateway", ErrCode: enginerrors.CodeGenerationFailed,
			Message: "response content is not valid base64", Cause: err,
		}
	}
	return &Binary{
		Data:        data,
		ContentType: resp.ContentType,
		Model:       resp.Model,
		RequestID:   resp.RequestID,
		DurationMS:  time.Since(start).Milliseconds(),
	}, nil
}

func (g *Gateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &enginerrors.InternalError{Op: "provider.post", Message: "request does not marshal", Cause: err}
	}
	return g.do(ctx, http.MethodPost, path, payload, out)
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

func (g *Gateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	url := g.baseURL + path
	if len(g.allowedHosts) > 0 {
		if err := CheckHost(url, g.allowedHosts); err != nil {
			return err
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return mapTransportError(err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &enginerrors.InternalError{Op: "provider.do", Message: "bad request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if key, ok := g.secrets.Get("LITELLM_MASTER_KEY"); ok {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &enginerrors.ProviderError{
			Provider: "gateway", StatusCode: resp.StatusCode,
			ErrCode: enginerrors.CodeGenerationFailed,
			Message: "response body does not decode", Cause: err,
		}
	}
	return nil
}

// mapTransportError classifies pre-response failures.
func mapTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &enginerrors.ProviderError{
			Provider: "gateway", ErrCode: enginerrors.CodeProviderTimeout,
			Message: "request deadline exceeded", Cause: err,
		}
	case errors.Is(err, context.Canceled):
		return err
	default:
		// http.Client wraps timeouts in url.Error with Timeout()=true.
		var timeout interface{ Timeout() bool }
		if errors.As(err, &timeout) && timeout.Timeout() {
			return &enginerrors.ProviderError{
				Provider: "gateway", ErrCode: enginerrors.CodeProviderTimeout,
				Message: "request timed out", Cause: err,
			}
		}
		return &enginerrors.ProviderError{
			Provider: "gateway", ErrCode: enginerrors.CodeNetwork,
			Message: err.Error(), Cause: err,
		}
	}
}

// mapStatusError classifies HTTP error responses.
func mapStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error
	if msg == "" {
		msg = fmt.Sprintf("gateway returned %s", resp.Status)
	}

	code := enginerrors.CodeGenerationFailed
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = enginerrors.CodeRateLimited
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		code = enginerrors.CodeProviderTimeout
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		code = enginerrors.CodeNetwork
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		code = enginerrors.CodeValidation
	}

	return &enginerrors.ProviderError{
		Provider:   "gateway",
		StatusCode: resp.StatusCode,
		ErrCode:    code,
		Message:    msg,
		RequestID:  parsed.RequestID,
	}
}
