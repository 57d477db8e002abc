package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

// Resolver fetches display metadata for an identity. It is consumed exactly
// once per connection, at connect time, and its failure never prevents the
// connection: callers fall back to whatever the credential carried.
type Resolver interface {
	Resolve(ctx context.Context, identity string) (models.DisplayInfo, error)
}

// HTTPResolver queries the external profile service.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, identity string) (models.DisplayInfo, error) {
	endpoint := r.baseURL + "/profiles/" + url.PathEscape(identity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.DisplayInfo{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return models.DisplayInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.DisplayInfo{}, fmt.Errorf("profile service returned %d", resp.StatusCode)
	}
	var info models.DisplayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return models.DisplayInfo{}, err
	}
	return info, nil
}

// NoopResolver returns empty display metadata. Used when no profile service
// is configured.
type NoopResolver struct{}

func (NoopResolver) Resolve(context.Context, string) (models.DisplayInfo, error) {
	return models.DisplayInfo{}, nil
}
