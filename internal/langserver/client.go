// Package langserver talks to the discovered language server: it issues the
// GetUserStatus call against candidate ports in order and parses the
// per-model quota records out of the response envelope.
package langserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"quotawatch/internal/locator"
	"quotawatch/internal/quota"
	"quotawatch/internal/version"
)

const (
	statusPath            = "/exa.language_server_pb.LanguageServerService/GetUserStatus"
	headerCSRFToken       = "X-Codeium-Csrf-Token"
	headerConnectProtocol = "Connect-Protocol-Version"

	defaultRequestTimeout = 5 * time.Second
)

// ErrNoCandidates is returned by Fetch when discovery produced nothing to try.
var ErrNoCandidates = errors.New("no language server candidates")

// Client fetches user status from a language server instance.
type Client struct {
	httpClient     *http.Client
	requestTimeout time.Duration
	userAgent      string
}

// NewClient constructs a client. A non-positive timeout falls back to the
// five second default.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		httpClient:     &http.Client{},
		requestTimeout: timeout,
		userAgent:      "quotawatch/" + version.Version,
	}
}

// Fetch tries each candidate in order and returns the records parsed from the
// first success response. Transport errors and non-2xx statuses skip to the
// next candidate; a success response without the quota envelope yields an
// empty record list and no error. The error is non-nil only when no candidate
// produced a success response.
func (c *Client) Fetch(ctx context.Context, candidates []locator.Candidate) ([]quota.ModelQuota, error) {
	if c == nil {
		return nil, errors.New("langserver: client not initialized")
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	body := statusRequestBody()
	var lastErr error
	for _, candidate := range candidates {
		status, payload, errReq := c.doRequest(ctx, candidate, body)
		if errReq != nil {
			log.WithError(errReq).Debugf("langserver: request failed (port=%s)", candidate.Port)
			lastErr = errReq
			continue
		}
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			log.Debugf("langserver: status=%d (port=%s)", status, candidate.Port)
			lastErr = fmt.Errorf("port %s: unexpected status %d", candidate.Port, status)
			continue
		}
		return parseUserStatus(payload), nil
	}
	return nil, fmt.Errorf("all %d candidates failed: %w", len(candidates), lastErr)
}

func (c *Client) doRequest(ctx context.Context, candidate locator.Candidate, body []byte) (int, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	url := "http://127.0.0.1:" + candidate.Port + statusPath
	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if errReq != nil {
		return 0, nil, errReq
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerCSRFToken, candidate.CSRFToken)
	req.Header.Set(headerConnectProtocol, "1")
	req.Header.Set("User-Agent", c.userAgent)

	resp, errResp := c.httpClient.Do(req)
	if errResp != nil {
		return 0, nil, errResp
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("langserver: close response body error: %v", errClose)
		}
	}()

	payload, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return resp.StatusCode, nil, errRead
	}
	return resp.StatusCode, payload, nil
}

func statusRequestBody() []byte {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "metadata.ideName", "antigravity")
	body, _ = sjson.SetBytes(body, "metadata.extensionName", "antigravity")
	body, _ = sjson.SetBytes(body, "metadata.locale", "en")
	return body
}

// parseUserStatus extracts quota records from the GetUserStatus envelope.
// Both the camelCase and snake_case field spellings are accepted. A payload
// without the envelope path yields no records.
func parseUserStatus(payload []byte) []quota.ModelQuota {
	configs := gjson.GetBytes(payload, "userStatus.cascadeModelConfigData.clientModelConfigs")
	if !configs.Exists() {
		configs = gjson.GetBytes(payload, "user_status.cascade_model_config_data.client_model_configs")
	}
	if !configs.IsArray() {
		return nil
	}
	var records []quota.ModelQuota
	for _, item := range configs.Array() {
		label := strings.TrimSpace(item.Get("label").String())
		if label == "" {
			continue
		}
		record := quota.ModelQuota{Label: label}
		info := item.Get("quotaInfo")
		if !info.Exists() {
			info = item.Get("quota_info")
		}
		if info.Exists() {
			fraction := info.Get("remainingFraction")
			if !fraction.Exists() {
				fraction = info.Get("remaining_fraction")
			}
			if fraction.Exists() {
				record.RemainingFraction = fraction.Float()
				record.HasQuota = true
			}
			reset := info.Get("resetTime")
			if !reset.Exists() {
				reset = info.Get("reset_time")
			}
			record.ResetTime = parseResetTime(reset.String())
		}
		records = append(records, record)
	}
	return records
}

func parseResetTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC()
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC()
	}
	return time.Time{}
}
