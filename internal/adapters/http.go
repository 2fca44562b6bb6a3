package adapters

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

const (
	// DefaultQueryTimeout bounds a single search request
	DefaultQueryTimeout = 30 * time.Second
	// DefaultResponseHeaderTimeout bounds the wait for a download to start streaming
	DefaultResponseHeaderTimeout = 60 * time.Second
)

// httpBackend holds what the HTTP based adapters share: a client, credentials
// and where to spool downloaded parts
type httpBackend struct {
	client       *http.Client
	username     string
	password     string
	apiKey       string
	spoolDir     string
	queryTimeout time.Duration
	ignore       IgnoreSet
}

// Option configures an HTTP based adapter
type Option func(*httpBackend)

// WithHTTPClient replaces the default client
func WithHTTPClient(client *http.Client) Option {
	return func(b *httpBackend) {
		b.client = client
	}
}

// WithSpoolDir sets where downloaded parts are buffered before they are handed out
func WithSpoolDir(dir string) Option {
	return func(b *httpBackend) {
		b.spoolDir = dir
	}
}

// WithQueryTimeout bounds each search request
func WithQueryTimeout(d time.Duration) Option {
	return func(b *httpBackend) {
		b.queryTimeout = d
	}
}

// WithIgnoredErrors sets the item error causes that are skipped instead of ending a stream
func WithIgnoredErrors(set IgnoreSet) Option {
	return func(b *httpBackend) {
		b.ignore = set
	}
}

func newHTTPBackend(config models.PACSConfig, opts []Option) (*httpBackend, error) {
	b := &httpBackend{
		client: &http.Client{
			// No overall timeout: downloads stream for as long as they need
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
			},
		},
		username:     config.Username,
		password:     config.PasswordHash, // In production, decrypt this
		apiKey:       config.APIKey,
		queryTimeout: DefaultQueryTimeout,
	}

	ignore, err := ParseIgnoreSet(config.IgnoredCauses())
	if err != nil {
		return nil, err
	}
	b.ignore = ignore

	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// addAuth adds authentication to the request
func (b *httpBackend) addAuth(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", b.apiKey))
	} else if b.username != "" && b.password != "" {
		req.SetBasicAuth(b.username, b.password)
	}
}

func (b *httpBackend) do(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	b.addAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("failed to execute request: %w", err))
	}
	return resp, nil
}

// statusError reads a short excerpt of a failed response and maps the status
// to an item error cause where one applies
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
	err := fmt.Errorf("PACS returned status %d: %s", resp.StatusCode, string(body))
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %w", ErrDocumentMissing, err)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w", ErrServerError, err)
	default:
		return err
	}
}

func (b *httpBackend) close() error {
	b.client.CloseIdleConnections()
	return nil
}
