package dapr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/taskloop/taskloop/internal/errors"
)

// GetSecret fetches a named secret from the configured secret store. Provider
// credentials (email and push API keys) come through here, never from env.
func (c *Client) GetSecret(ctx context.Context, store, name string) (map[string]string, error) {
	secretURL := fmt.Sprintf("%s/v1.0/secrets/%s/%s", c.baseURL, store, url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, secretURL, nil)
	if err != nil {
		return nil, errors.NewInternalError("build secret request", err)
	}

	status, body, _, err := c.do(req)
	if err != nil {
		return nil, errors.NewTransientError("secret get "+name, err)
	}

	switch {
	case status == http.StatusOK:
		var secret map[string]string
		if err := json.Unmarshal(body, &secret); err != nil {
			return nil, errors.NewInternalError("decode secret "+name, err)
		}
		return secret, nil
	case status == http.StatusNotFound:
		return nil, errors.NewNotFoundError("secret " + name)
	case retryableStatus(status):
		return nil, errors.NewTransientError("secret get "+name,
			fmt.Errorf("sidecar returned %d: %s", status, body))
	default:
		return nil, errors.NewInternalError("secret get "+name,
			fmt.Errorf("sidecar returned %d: %s", status, body))
	}
}
