// Package oauthtoken adapts Google's Application Default Credentials into
// this router's provider.TokenSource seam, so a provider entry can
// authenticate with a refreshed OAuth2 token instead of a static api_key —
// grounded on the teacher's Vertex AI adapter, which wraps the same
// golang.org/x/oauth2/google credential chain.
package oauthtoken

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/blueberrycongee/routecore/pkg/provider"
)

// googleADCScope is the minimal scope Gemini's generative-language API
// accepts from a service-account or user ADC token.
const googleADCScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleADC wraps an oauth2.TokenSource sourced from Application Default
// Credentials, satisfying provider.TokenSource.
type GoogleADC struct {
	src oauth2.TokenSource
}

// NewGoogleADC discovers Application Default Credentials (service account
// key file, gcloud user credentials, or workload identity) and returns a
// TokenSource that refreshes transparently on each Token() call.
func NewGoogleADC(ctx context.Context) (*GoogleADC, error) {
	creds, err := google.FindDefaultCredentials(ctx, googleADCScope)
	if err != nil {
		return nil, fmt.Errorf("find default credentials: %w", err)
	}
	return &GoogleADC{src: creds.TokenSource}, nil
}

// Token returns the current access token, refreshing it if expired.
func (g *GoogleADC) Token() (string, error) {
	tok, err := g.src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth2 token: %w", err)
	}
	return tok.AccessToken, nil
}

var _ provider.TokenSource = (*GoogleADC)(nil)
