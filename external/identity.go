package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrIdentityNotConfigured signals missing configuration for the hosted
// identity provider (project id / API token)
var ErrIdentityNotConfigured = fmt.Errorf("missing IDENTITY_PROJECT_ID or IDENTITY_API_TOKEN in environment")

// IdentityOptions provides initialization parameters for the identity gateway
type IdentityOptions struct {
	BaseURL   string
	ProjectID string
	APIToken  string
	Logger    *zap.Logger
}

// IdentityGateway talks to the hosted identity provider's admin API. The
// provider owns credentials and sessions; this repo only ever asks it to
// remove a user
type IdentityGateway struct {
	IdentityOptions
	httpClient *http.Client
}

// DeleteResult reports the outcome of a remote user deletion
type DeleteResult struct {
	OK         bool
	StatusCode int
	Message    string
}

// NewIdentityGateway validates the configuration and returns a gateway
func NewIdentityGateway(option IdentityOptions) (*IdentityGateway, error) {
	if len(option.ProjectID) == 0 || len(option.APIToken) == 0 {
		return nil, ErrIdentityNotConfigured
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.BaseURL) == 0 {
		option.BaseURL = os.Getenv("IDENTITY_API_URL")
	}
	if len(option.BaseURL) == 0 {
		return nil, fmt.Errorf("empty BaseURL is invalid")
	}
	return &IdentityGateway{
		IdentityOptions: option,
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}, nil
}

func (g *IdentityGateway) deleteEndpoint(path, userID string) string {
	return fmt.Sprintf("%s/projects/%s/%s/%s",
		g.BaseURL,
		url.PathEscape(g.ProjectID),
		path,
		url.PathEscape(userID),
	)
}

func (g *IdentityGateway) do(ctx context.Context, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+g.APIToken)
	req.Header.Set("Accept", "application/json")
	res, err := g.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	return res.StatusCode, nil
}

// DeleteUser removes the user from the identity provider. A 404 counts as
// success (already gone). The provider has shipped the users collection under
// two different paths across API revisions, so a failed primary call falls
// back to the legacy path before reporting failure
func (g *IdentityGateway) DeleteUser(ctx context.Context, userID string) DeleteResult {
	status, err := g.do(ctx, g.deleteEndpoint("auth/users", userID))
	if err == nil && (status == http.StatusNoContent || status == http.StatusNotFound) {
		return DeleteResult{OK: true, StatusCode: status}
	}

	status, err = g.do(ctx, g.deleteEndpoint("users", userID))
	if err == nil && (status == http.StatusNoContent || status == http.StatusNotFound) {
		return DeleteResult{OK: true, StatusCode: status}
	}

	g.Logger.Error("Identity provider user deletion failed",
		zap.String("UserID", userID),
		zap.Int("StatusCode", status),
		zap.Error(err),
	)
	return DeleteResult{
		OK:         false,
		StatusCode: http.StatusBadGateway,
		Message:    "Unable to delete user from identity provider",
	}
}
