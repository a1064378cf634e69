// Package bootstrap provisions the agent's NATS .creds file from PocketBase
// on first start.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2/maybe"
	"github.com/stone-age-io/svcstart/internal/config"
	"go.uber.org/zap"
)

const httpTimeout = 15 * time.Second

// FetchCredentials writes the device's .creds file unless it already exists.
// It authenticates against PocketBase with the identity from the config and
// the password from the configured environment variable.
func FetchCredentials(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	credsPath := cfg.NATS.Auth.CredsFile
	pb := cfg.NATS.Auth.PocketBase

	if _, err := os.Stat(credsPath); err == nil {
		logger.Info("Credentials file exists, skipping bootstrap", zap.String("path", credsPath))
		return nil
	}

	password := os.Getenv(pb.PasswordEnv)
	if password == "" {
		return fmt.Errorf("bootstrap: environment variable %s is not set or empty", pb.PasswordEnv)
	}

	logger.Info("Bootstrapping credentials from PocketBase",
		zap.String("path", credsPath),
		zap.String("pocketbase_url", pb.URL))

	client := newPocketBase(pb.URL)

	if err := client.authenticate(ctx, pb.AuthCollection, pb.Identity, password); err != nil {
		return fmt.Errorf("bootstrap: authentication failed: %w", err)
	}

	record, err := client.findRecord(ctx, pb.Collection, pb.DeviceIDField, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("bootstrap: failed to fetch credentials: %w", err)
	}

	creds, ok := record[pb.CredsField].(string)
	if !ok || creds == "" {
		return fmt.Errorf("bootstrap: field '%s' is missing, empty or not a string", pb.CredsField)
	}

	if err := writeCredsFile(credsPath, creds); err != nil {
		return fmt.Errorf("bootstrap: failed to write credentials file: %w", err)
	}
	logger.Info("Credentials file written", zap.String("path", credsPath))

	return nil
}

// pocketBase is a minimal client for the two record API calls the
// bootstrap needs
type pocketBase struct {
	baseURL string
	http    *http.Client
	token   string
}

func newPocketBase(baseURL string) *pocketBase {
	return &pocketBase{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: httpTimeout},
	}
}

// authenticate exchanges identity and password for a token
func (p *pocketBase) authenticate(ctx context.Context, collection, identity, password string) error {
	payload, err := json.Marshal(map[string]string{"identity": identity, "password": password})
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	var resp struct {
		Token string `json:"token"`
	}
	endpoint := fmt.Sprintf("%s/api/collections/%s/auth-with-password", p.baseURL, url.PathEscape(collection))
	if err := p.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload), &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return fmt.Errorf("auth response contained no token")
	}

	p.token = resp.Token
	return nil
}

// findRecord returns the first record whose field equals value
func (p *pocketBase) findRecord(ctx context.Context, collection, field, value string) (map[string]any, error) {
	query := url.Values{}
	query.Set("filter", fmt.Sprintf("%s='%s'", field, value))
	query.Set("perPage", "1")
	endpoint := fmt.Sprintf("%s/api/collections/%s/records?%s", p.baseURL, url.PathEscape(collection), query.Encode())

	var list struct {
		Items      []map[string]any `json:"items"`
		TotalItems int              `json:"totalItems"`
	}
	if err := p.do(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, err
	}
	if len(list.Items) == 0 {
		return nil, fmt.Errorf("no record found for %s='%s' in collection '%s'", field, value, collection)
	}

	return list.Items[0], nil
}

// do sends a request and decodes a 200 JSON response into out
func (p *pocketBase) do(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s returned %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// writeCredsFile writes the credentials with owner-only permissions,
// creating parent directories. Where the platform allows, the file is
// replaced atomically so a crash never leaves a truncated .creds file.
func writeCredsFile(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := maybe.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
