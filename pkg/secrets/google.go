package secrets

import (
	"context"
	"encoding/json"
	"fmt"
)

// googleSecretKey is the shared key holding the Google OAuth blob.
const googleSecretKey = "google"

// GoogleCredentials is the shared Google OAuth credential blob.
type GoogleCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// String masks every secret field.
func (g GoogleCredentials) String() string {
	return fmt.Sprintf("GoogleCredentials(client_id=%s client_secret=%s refresh_token=%s scope=%s)",
		mask(g.ClientID), mask(g.ClientSecret), mask(g.RefreshToken), g.Scope)
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

func (g GoogleCredentials) validate() error {
	if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
		return fmt.Errorf("%w: google credentials blob is missing client_id, client_secret, or refresh_token", ErrCredentialInvalid)
	}
	return nil
}

// ResolveGoogleCredentials loads and validates the shared Google OAuth blob.
// The error is actionable: it tells the operator to run the bootstrap flow.
func (s *Store) ResolveGoogleCredentials(ctx context.Context) (*GoogleCredentials, error) {
	raw, found, err := s.Resolve(ctx, googleSecretKey, true)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no %q secret stored; run the Google OAuth bootstrap to store client_id, client_secret, and refresh_token",
			ErrCredentialMissing, googleSecretKey)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("%w: %q secret is not a valid JSON credential blob; re-run the Google OAuth bootstrap",
			ErrCredentialInvalid, googleSecretKey)
	}
	if err := creds.validate(); err != nil {
		return nil, fmt.Errorf("%w; re-run the Google OAuth bootstrap", err)
	}
	return &creds, nil
}
