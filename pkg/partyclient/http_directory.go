package partyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPDirectory talks to the RideLink lifecycle and profile API. The auth
// token is attached as a bearer header on every request.
type HTTPDirectory struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPDirectory creates a Directory over the REST API at baseURL.
// httpClient may be nil.
func NewHTTPDirectory(baseURL, token string, httpClient *http.Client) *HTTPDirectory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// envelope mirrors the server's standard response body.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (d *HTTPDirectory) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrNetworkFailure, err)
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, env.Error)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode payload: %v", ErrNetworkFailure, err)
		}
	}
	return nil
}

// statusError maps HTTP failures onto the package sentinels. The server
// answers expired the same as unknown, so both surface as ErrNotFound.
func statusError(code int, msg string) error {
	var base error
	switch code {
	case http.StatusUnauthorized:
		base = ErrNotAuthenticated
	case http.StatusForbidden:
		base = ErrPermissionDenied
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		base = ErrCapacityExceeded
	default:
		base = ErrNetworkFailure
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func (d *HTTPDirectory) CreateParty(ctx context.Context) (*Party, error) {
	var p Party
	if err := d.do(ctx, http.MethodPost, "/parties", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *HTTPDirectory) JoinByCode(ctx context.Context, code string) (*Party, error) {
	var p Party
	body := map[string]string{"code": code}
	if err := d.do(ctx, http.MethodPost, "/parties/join", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *HTTPDirectory) JoinByToken(ctx context.Context, token string) (*Party, error) {
	var p Party
	body := map[string]string{"token": token}
	if err := d.do(ctx, http.MethodPost, "/parties/join-token", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *HTTPDirectory) Leave(ctx context.Context, partyID string) error {
	return d.do(ctx, http.MethodPost, "/parties/"+partyID+"/leave", nil, nil)
}

func (d *HTTPDirectory) End(ctx context.Context, partyID string) error {
	return d.do(ctx, http.MethodPost, "/parties/"+partyID+"/end", nil, nil)
}

func (d *HTTPDirectory) RegenCode(ctx context.Context, partyID string) (*Party, error) {
	var p Party
	if err := d.do(ctx, http.MethodPost, "/parties/"+partyID+"/regen-code", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *HTTPDirectory) Members(ctx context.Context, partyID string) ([]string, error) {
	var rows []struct {
		UserID string `json:"user_id"`
	}
	if err := d.do(ctx, http.MethodGet, "/parties/"+partyID+"/members", nil, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	return ids, nil
}

func (d *HTTPDirectory) FetchProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	var profiles []Profile
	body := map[string][]string{"ids": ids}
	if err := d.do(ctx, http.MethodPost, "/profiles/batch", body, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

var _ Directory = (*HTTPDirectory)(nil)
