package alerter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"PcapSentry/internal/config"
)

const (
	authPath   = "/security/user/authenticate"
	eventsPath = "/events"
)

// httpTransport talks to the Wazuh manager REST API: a JWT is obtained with
// basic auth and events are posted as serialized envelopes.
type httpTransport struct {
	base     string
	username string
	password string
	client   *http.Client

	mu    sync.Mutex
	token string
}

func newHTTPTransport(cfg config.APIConfig) *httpTransport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &httpTransport{
		base:     fmt.Sprintf("%s://%s", cfg.Protocol, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Transport: tr},
	}
}

func (t *httpTransport) String() string { return t.base }

func (t *httpTransport) deliver(ctx context.Context, env Envelope) error {
	token, err := t.authenticate(ctx)
	if err != nil {
		return err
	}

	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		Events []string `json:"events"`
	}{Events: []string{string(line)}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+eventsPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode == http.StatusUnauthorized {
		t.mu.Lock()
		t.token = ""
		t.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %s", ErrRejected, eventsPath, resp.Status)
	}
	return nil
}

// authenticate returns a cached token, fetching one first if needed. Without
// credentials events are posted unauthenticated.
func (t *httpTransport) authenticate(ctx context.Context) (string, error) {
	if t.username == "" {
		return "", nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+authPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(t.username, t.password)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: authentication returned %s", ErrRejected, resp.Status)
	}

	var payload struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: bad authentication response: %v", ErrRejected, err)
	}
	if payload.Data.Token == "" {
		return "", fmt.Errorf("%w: authentication returned no token", ErrRejected)
	}
	t.token = payload.Data.Token
	return t.token, nil
}

// probe reports the API as reachable when it answers below 500, even
// without valid credentials.
func (t *httpTransport) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: probe returned %s", ErrUnreachable, resp.Status)
	}
	return nil
}

func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}
