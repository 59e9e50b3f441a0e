// Package ingest pulls documents from source connectors and drives them
// through mapping, embedding, and store writes as tracked runs.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// Connector pulls one batch of documents from a source endpoint. The
// endpoint owns pagination and upstream auth; one GET returns the complete
// batch for a run.
type Connector struct {
	client     *http.Client
	maxPayload int64
}

// NewConnector returns a connector with the given pull timeout and payload
// byte cap.
func NewConnector(timeout time.Duration, maxPayload int64) *Connector {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxPayload <= 0 {
		maxPayload = 64 << 20
	}
	return &Connector{
		client:     &http.Client{Timeout: timeout},
		maxPayload: maxPayload,
	}
}

// Pull issues one GET to url with the auth reference expanded into headers
// and decodes the body as a JSON array of documents.
func (c *Connector) Pull(ctx context.Context, url, authRef string) ([]any, error) {
	timer := logging.StartTimer(logging.CategoryConnector, "Pull")
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", types.ErrConnectorUnavailable, err)
	}
	headers, err := expandAuthRef(authRef)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		logging.Get(logging.CategoryConnector).Error("Pull from %s failed: %v", url, err)
		return nil, fmt.Errorf("%w: %v", types.ErrConnectorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", types.ErrConnectorUnavailable, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", types.ErrConnectorUnavailable, err)
	}
	if int64(len(body)) > c.maxPayload {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", types.ErrConnectorResponseTooLarge, c.maxPayload)
	}

	var docs []any
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON array: %v", types.ErrConnectorMalformed, err)
	}

	logging.Connector("Pulled %d documents from %s (%d bytes)", len(docs), url, len(body))
	return docs, nil
}

// expandAuthRef resolves an auth reference to request headers. Supported
// forms:
//
//	""                       no auth
//	"env:VAR"                Authorization: Bearer <value of $VAR>
//	"header:Name=env:VAR"    custom header from $VAR
//
// Secrets never appear in schemas or logs; only the environment variable
// name is recorded.
func expandAuthRef(authRef string) (map[string]string, error) {
	if authRef == "" {
		return nil, nil
	}

	if v, ok := strings.CutPrefix(authRef, "env:"); ok {
		val := os.Getenv(v)
		if val == "" {
			return nil, fmt.Errorf("%w: auth env %s is unset", types.ErrConnectorUnavailable, v)
		}
		return map[string]string{"Authorization": "Bearer " + val}, nil
	}

	if rest, ok := strings.CutPrefix(authRef, "header:"); ok {
		name, ref, found := strings.Cut(rest, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: malformed auth reference %q", types.ErrConnectorUnavailable, authRef)
		}
		envName, ok := strings.CutPrefix(ref, "env:")
		if !ok || envName == "" {
			return nil, fmt.Errorf("%w: malformed auth reference %q", types.ErrConnectorUnavailable, authRef)
		}
		val := os.Getenv(envName)
		if val == "" {
			return nil, fmt.Errorf("%w: auth env %s is unset", types.ErrConnectorUnavailable, envName)
		}
		return map[string]string{name: val}, nil
	}

	return nil, fmt.Errorf("%w: malformed auth reference %q", types.ErrConnectorUnavailable, authRef)
}

// ValidateAuthRef checks an auth reference's shape without reading the
// environment, so add_source can reject typos up front.
func ValidateAuthRef(authRef string) error {
	if authRef == "" {
		return nil
	}
	if strings.HasPrefix(authRef, "env:") && len(authRef) > len("env:") {
		return nil
	}
	if rest, ok := strings.CutPrefix(authRef, "header:"); ok {
		name, ref, found := strings.Cut(rest, "=")
		if found && name != "" && strings.HasPrefix(ref, "env:") && len(ref) > len("env:") {
			return nil
		}
	}
	return fmt.Errorf("auth reference %q must be env:VAR or header:Name=env:VAR", authRef)
}
