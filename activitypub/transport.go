package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Nothing4You/lemmy/util"
)

// Transport is the network half of federation: dereferencing remote objects
// and delivering signed activities. Handlers and the dispatch queue depend on
// this interface so tests can swap the network out.
type Transport interface {
	// Dereference fetches the ActivityPub document behind an IRI.
	Dereference(ctx context.Context, iri string) ([]byte, error)
	// WebFinger queries a host for an acct: resource.
	WebFinger(ctx context.Context, host, resource string) ([]byte, error)
	// Deliver posts a signed activity to a remote inbox.
	Deliver(ctx context.Context, inboxURI string, activity []byte, key *rsa.PrivateKey, keyId string) error
}

// HTTPTransport talks to other instances over plain HTTP with bounded
// timeouts per attempt.
type HTTPTransport struct {
	fetchClient   *http.Client
	deliverClient *http.Client
	userAgent     string
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		fetchClient:   &http.Client{Timeout: 10 * time.Second},
		deliverClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:     fmt.Sprintf("%s/%s ActivityPub", util.Name, util.GetVersion()),
	}
}

func (t *HTTPTransport) Dereference(ctx context.Context, iri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", iri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dereference of %s failed with status: %d", iri, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (t *HTTPTransport) WebFinger(ctx context.Context, host, resource string) ([]byte, error) {
	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, url.QueryEscape(resource))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger lookup on %s failed with status: %d", host, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (t *HTTPTransport) Deliver(ctx context.Context, inboxURI string, activity []byte, key *rsa.PrivateKey, keyId string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inboxURI, bytes.NewReader(activity))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, activity, key, keyId); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := t.deliverClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}
