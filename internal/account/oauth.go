package account

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/agproxy/internal/apperr"
)

// OAuth client registration for the Antigravity upstream. The core only
// exchanges and refreshes tokens; authorization-code capture happens
// outside and hands an opaque code in.
const (
	oauthTokenEndpoint = "https://oauth2.googleapis.com/token"
	oauthClientID      = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret  = "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"
	oauthRedirectURI   = "http://localhost:8317/oauth/callback"

	// RefreshSkew renews access tokens this long before expiry.
	RefreshSkew = 3000 * time.Second
)

// OAuthClient is the token-side interface the pool depends on; tests
// substitute fakes.
type OAuthClient interface {
	Exchange(ctx context.Context, code string) (*Credential, *Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

type googleOAuth struct {
	client *http.Client
}

func NewOAuthClient(client *http.Client) OAuthClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &googleOAuth{client: client}
}

func (g *googleOAuth) Exchange(ctx context.Context, code string) (*Credential, *Identity, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {strings.TrimSpace(code)},
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
		"redirect_uri":  {oauthRedirectURI},
	}

	cred, err := g.tokenRequest(ctx, form)
	if err != nil {
		return nil, nil, err
	}

	identity := identityFromIDToken(cred.IDToken)
	if identity.Email == "" {
		return nil, nil, apperr.New(apperr.CodeAuthRejected, http.StatusUnauthorized,
			"authorization code exchange returned no identity")
	}
	return cred, &identity, nil
}

func (g *googleOAuth) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
	}

	cred, err := g.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	// Google omits the refresh token on refresh grants; carry it over.
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

func (g *googleOAuth) tokenRequest(ctx context.Context, form url.Values) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error_description").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error").String()
		}
		if msg == "" {
			msg = fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		}
		return nil, apperr.New(apperr.CodeAuthRejected, http.StatusUnauthorized, msg)
	}

	root := gjson.ParseBytes(body)
	cred := &Credential{
		AccessToken:  root.Get("access_token").String(),
		RefreshToken: root.Get("refresh_token").String(),
		TokenType:    root.Get("token_type").String(),
		IDToken:      root.Get("id_token").String(),
	}
	if expiresIn := root.Get("expires_in").Int(); expiresIn > 0 {
		cred.Expiry = time.Now().Unix() + expiresIn
	}
	if cred.AccessToken == "" {
		return nil, apperr.New(apperr.CodeAuthRejected, http.StatusUnauthorized,
			"token endpoint returned no access token")
	}
	return cred, nil
}

// identityFromIDToken pulls display claims out of the id_token. The
// token arrived over TLS from the token endpoint, so claims are parsed
// without signature verification.
func identityFromIDToken(idToken string) Identity {
	if idToken == "" {
		return Identity{}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Identity{}
	}

	str := func(key string) string {
		if v, ok := claims[key].(string); ok {
			return v
		}
		return ""
	}
	return Identity{
		Email:   str("email"),
		Name:    str("name"),
		Picture: str("picture"),
	}
}
