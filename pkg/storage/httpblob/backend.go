package httpblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/osvaldoandrade/inspectq/pkg/storage"
)

// Backend PUTs artifacts to an HTTP object store (blob gateway, presigned
// bucket proxy, etc.) and probes them with HEAD.
type Backend struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

func New(name, baseURL, token string, timeout time.Duration) *Backend {
	if name == "" {
		name = "http"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Backend{
		name:    name,
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

func newFromConfig(cfg storage.Config) (storage.Backend, error) {
	base := cfg.Option("url", "")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http storage: url must be a valid http(s) URL")
	}
	return New(cfg.Name, base, cfg.Option("token", ""), cfg.DurationOption("timeout", 30*time.Second)), nil
}

func init() {
	storage.RegisterProvider("http", newFromConfig)
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) objectURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return b.baseURL + "/" + strings.Join(parts, "/")
}

func (b *Backend) Store(ctx context.Context, a domain.Artifact, m domain.MissionContext) (string, error) {
	rec, err := storage.NewRecord(a, m).JSON()
	if err != nil {
		return "", err
	}
	objURL := b.objectURL(storage.ObjectPath(a))
	if err := b.put(ctx, objURL, a.ContentType(), a.Checksum(), a.Data); err != nil {
		return "", err
	}
	if err := b.put(ctx, b.objectURL(storage.MetadataPath(a)), "application/json", "", rec); err != nil {
		return "", err
	}
	return objURL, nil
}

func (b *Backend) put(ctx context.Context, target, contentType, checksum string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if checksum != "" {
		req.Header.Set("X-Inspectq-Checksum", checksum)
	}
	b.authorize(req)
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http storage: PUT %s: status %d", target, resp.StatusCode)
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, a domain.Artifact) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.objectURL(storage.ObjectPath(a)), nil)
	if err != nil {
		return false, err
	}
	b.authorize(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("http storage: HEAD status %d", resp.StatusCode)
	}
}

func (b *Backend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}
