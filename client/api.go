package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrTURNUnavailable means the server has no relay secret configured. Calls
// still work over STUN; callers should fall back rather than abort.
var ErrTURNUnavailable = fmt.Errorf("turn credentials unavailable")

const apiRequestTimeout = 10 * time.Second

// API talks to the signaling server's HTTP surface: room creation and relay
// credentials.
type API struct {
	base string
	http *http.Client
}

// NewAPI builds a client for the server at baseURL (scheme and host, no
// trailing slash required). httpClient may be nil.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: apiRequestTimeout}
	}
	return &API{
		base: strings.TrimRight(baseURL, "/"),
		http: httpClient,
	}
}

// CreateRoom reserves a fresh room code.
func (a *API) CreateRoom(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/rooms", nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create room: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return "", fmt.Errorf("create room: decode response: %w", err)
	}
	if body.RoomID == "" {
		return "", fmt.Errorf("create room: empty room id")
	}
	return body.RoomID, nil
}

// ICEConfig is what FetchICEServers hands to the media session.
type ICEConfig struct {
	Servers   []webrtc.ICEServer
	TTL       int
	ExpiresAt time.Time
}

// FetchICEServers retrieves short-lived relay credentials. A 503 becomes
// ErrTURNUnavailable so the caller can proceed with STUN only. The server
// emits clean turn:/turns: URLs; no client-side URL repair happens here.
func (a *API) FetchICEServers(ctx context.Context, userID string) (ICEConfig, error) {
	u := a.base + "/turn-credentials"
	if userID != "" {
		u += "?user=" + url.QueryEscape(userID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ICEConfig{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return ICEConfig{}, ErrTURNUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return ICEConfig{}, fmt.Errorf("fetch ice servers: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username,omitempty"`
			Credential string   `json:"credential,omitempty"`
		} `json:"iceServers"`
		TTL       int   `json:"ttl"`
		ExpiresAt int64 `json:"expiresAt"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return ICEConfig{}, fmt.Errorf("fetch ice servers: decode response: %w", err)
	}

	cfg := ICEConfig{
		TTL:       body.TTL,
		ExpiresAt: time.Unix(body.ExpiresAt, 0),
	}
	for _, s := range body.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return cfg, nil
}
