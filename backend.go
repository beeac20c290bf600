package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const accessTokenCookie = "access_token"

// TokenBundle is the backend's answer to a redeemed authorization code.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// UserProfile is the backend-side user record resolved from a token.
type UserProfile struct {
	Username   string
	Attributes []Attribute
}

func (p *UserProfile) UnmarshalJSON(data []byte) error {
	var raw struct {
		Username   string          `json:"username"`
		Attributes json.RawMessage `json:"user_attributes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	attrs, err := decodeAttributes(raw.Attributes)
	if err != nil {
		return fmt.Errorf("user_attributes: %w", err)
	}
	p.Username = raw.Username
	p.Attributes = attrs
	return nil
}

// decodeAttributes accepts either [{"Name":..,"Value":..}] or an object, and
// keeps the order the server sent.
func decodeAttributes(raw json.RawMessage) ([]Attribute, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []Attribute{}, nil
	}
	if raw[0] == '[' {
		var list []Attribute
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	out := []Attribute{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		out = append(out, Attribute{Name: key, Value: s})
	}
	return out, nil
}

// Clock is one time-tracking record owned by the signed-in user.
type Clock struct {
	IdentityPoolUserID string
	UUID               string
	Name               string
	LastEdit           time.Time
	Active             bool
	ClockInTime        *time.Time
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw struct {
		IdentityPoolUserID string `json:"identity_pool_user_id"`
		UUID               string `json:"uuid"`
		Name               string `json:"name"`
		LastEdit           int64  `json:"last_edit"`
		Active             bool   `json:"active"`
		ClockInTime        *int64 `json:"clock_in_time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Clock{
		IdentityPoolUserID: raw.IdentityPoolUserID,
		UUID:               raw.UUID,
		Name:               raw.Name,
		LastEdit:           time.Unix(raw.LastEdit, 0).UTC(),
		Active:             raw.Active,
	}
	if raw.ClockInTime != nil {
		t := time.Unix(*raw.ClockInTime, 0).UTC()
		c.ClockInTime = &t
	}
	return nil
}

// BackendClient calls the Timecard API.
type BackendClient struct {
	baseURL    string
	poolID     string
	httpClient *http.Client
}

func NewBackendClient(baseURL, poolID string, httpClient *http.Client) *BackendClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BackendClient{baseURL: strings.TrimRight(baseURL, "/"), poolID: poolID, httpClient: httpClient}
}

// Exchange redeems code. A non-2xx answer is an InvalidCodeError; anything
// that keeps us from getting an answer is a TransportError.
func (b *BackendClient) Exchange(ctx context.Context, code string) (TokenBundle, error) {
	q := url.Values{}
	q.Set("code", code)
	resp, err := b.get(ctx, "/redirect?"+q.Encode(), "")
	if err != nil {
		return TokenBundle{}, TransportError("exchange authorization code", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenBundle{}, InvalidCodeError(statusError(resp))
	}
	var bundle TokenBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return TokenBundle{}, TransportError("decode token response", err)
	}
	return bundle, nil
}

// User resolves the backend profile for accessToken.
func (b *BackendClient) User(ctx context.Context, accessToken string) (UserProfile, error) {
	resp, err := b.get(ctx, "/user", accessToken)
	if err != nil {
		return UserProfile{}, TransportError("fetch user", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UserProfile{}, TransportError("fetch user", statusError(resp))
	}
	var p UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return UserProfile{}, TransportError("decode user", err)
	}
	return p, nil
}

// Clocks lists the signed-in user's clocks.
func (b *BackendClient) Clocks(ctx context.Context, accessToken string) ([]Clock, error) {
	resp, err := b.get(ctx, "/user/"+url.PathEscape(b.poolID)+"/clocks", accessToken)
	if err != nil {
		return nil, TransportError("list clocks", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, TransportError("list clocks", statusError(resp))
	}
	var clocks []Clock
	if err := json.NewDecoder(resp.Body).Decode(&clocks); err != nil {
		return nil, TransportError("decode clocks", err)
	}
	return clocks, nil
}

func (b *BackendClient) get(ctx context.Context, path, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: accessToken})
	}
	return b.httpClient.Do(req)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}
