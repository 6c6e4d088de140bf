package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

const DefaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// maxUserInfoBytes caps how much of the userinfo body is read.
const maxUserInfoBytes = 1 << 20

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// GoogleVerifier checks a Google access token by presenting it to the
// userinfo endpoint. One attempt is made per call.
type GoogleVerifier struct {
	userInfoURL string
	httpClient  *http.Client
}

func NewGoogleVerifier(userInfoURL string, httpClient *http.Client) *GoogleVerifier {
	if userInfoURL == "" {
		userInfoURL = DefaultGoogleUserInfoURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPTimeout)
	}
	return &GoogleVerifier{userInfoURL: userInfoURL, httpClient: httpClient}
}

func (v *GoogleVerifier) Provider() Provider {
	return ProviderGoogle
}

func (v *GoogleVerifier) Verify(ctx context.Context, accessToken string) (Identity, error) {
	if accessToken == "" {
		return Identity{}, reject(ProviderGoogle, "empty access token", nil)
	}

	// oauth2.NewClient reuses the base client's transport and timeout.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = v.httpClient.Timeout

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userInfoURL, nil)
	if err != nil {
		return Identity{}, reject(ProviderGoogle, "build userinfo request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Identity{}, reject(ProviderGoogle, "userinfo request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxUserInfoBytes))
		return Identity{}, reject(ProviderGoogle, fmt.Sprintf("userinfo status %d", resp.StatusCode), nil)
	}

	var info googleUserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&info); err != nil {
		return Identity{}, reject(ProviderGoogle, "decode userinfo", err)
	}
	if info.Email == "" {
		return Identity{}, reject(ProviderGoogle, "userinfo has no email", nil)
	}

	return Identity{
		Provider:      ProviderGoogle,
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		FirstName:     info.GivenName,
		LastName:      info.FamilyName,
	}, nil
}
