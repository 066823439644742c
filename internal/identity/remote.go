package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/meshdial/meshdial/internal/fault"
	"github.com/meshdial/meshdial/internal/util"
)

// RemoteProvider delegates identity and membership checks to an external
// HTTP service. Successful verifications are cached briefly so a device
// re-announcing every few seconds doesn't hammer the service.
type RemoteProvider struct {
	baseURL    string
	adminToken string
	client     *http.Client

	cacheMu sync.Mutex
	cache   map[string]cachedIdentity
}

type cachedIdentity struct {
	identity string
	until    time.Time
}

const verifyCacheTTL = 30 * time.Second

// NewRemoteProvider creates a provider for the service at baseURL.
func NewRemoteProvider(baseURL, adminToken string) *RemoteProvider {
	return &RemoteProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		client:     &http.Client{Timeout: util.DefaultHTTPTimeout},
		cache:      map[string]cachedIdentity{},
	}
}

// VerifyIdentity POSTs the credential to /verify and returns the identity
// the service resolves it to.
func (p *RemoteProvider) VerifyIdentity(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fault.Authf("missing credential")
	}

	p.cacheMu.Lock()
	if c, ok := p.cache[credential]; ok && time.Now().Before(c.until) {
		p.cacheMu.Unlock()
		return c.identity, nil
	}
	p.cacheMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/verify", nil)
	if err != nil {
		return "", fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	if p.adminToken != "" {
		req.Header.Set("X-Admin-Token", p.adminToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fault.Storagef("identity service: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fault.Authf("credential rejected by identity service")
	default:
		return "", fault.Storagef("identity service status %d", resp.StatusCode)
	}

	var body struct {
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Identity == "" {
		return "", fault.Authf("malformed identity response")
	}

	p.cacheMu.Lock()
	p.cache[credential] = cachedIdentity{identity: body.Identity, until: time.Now().Add(verifyCacheTTL)}
	p.cacheMu.Unlock()

	return body.Identity, nil
}

// IsActiveMember asks the service whether identity is an active member of
// networkID.
func (p *RemoteProvider) IsActiveMember(ctx context.Context, networkID, ident string) (bool, error) {
	q := url.Values{"network": {networkID}, "identity": {ident}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/member?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build member request: %w", err)
	}
	if p.adminToken != "" {
		req.Header.Set("X-Admin-Token", p.adminToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fault.Storagef("membership service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fault.Storagef("membership service status %d", resp.StatusCode)
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode member response: %w", err)
	}
	return body.Active, nil
}
