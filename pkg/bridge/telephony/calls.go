package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// Caller places outbound calls through the provider's REST API. The bridge
// only consumes the returned call id; the provider connects back to the
// media-stream socket on its own.
type Caller struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	HTTPClient *http.Client
}

// InitiateCall places a call to the given number. callbackURL receives the
// call-setup webhook; statusCallbackURL receives lifecycle status updates.
func (c *Caller) InitiateCall(ctx context.Context, to, callbackURL, statusCallbackURL string) (string, error) {
	if c == nil || c.AccountSID == "" || c.AuthToken == "" {
		return "", fmt.Errorf("telephony credentials are not configured")
	}
	base := c.BaseURL
	if base == "" {
		base = defaultAPIBaseURL
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.From)
	form.Set("Url", callbackURL)
	if statusCallbackURL != "" {
		form.Set("StatusCallback", statusCallbackURL)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", base, c.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build call request: %w", err)
	}
	req.SetBasicAuth(c.AccountSID, c.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("initiate call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("initiate call: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode call response: %w", err)
	}
	if out.SID == "" {
		return "", fmt.Errorf("call response missing sid")
	}
	return out.SID, nil
}
