// Package account owns the pool of authenticated upstream accounts:
// lifecycle, selection, quota snapshots, persistence, and the background
// quota poller.
package account

import (
	"github.com/antigravity-tools/agproxy/internal/provider"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
)

// Account is one pooled upstream identity. Credential holds the
// encrypted bundle produced by the credential store; plaintext tokens
// never touch disk.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`

	// ProviderTag names the upstream family this account belongs to.
	ProviderTag string `json:"provider"`

	Status   Status `json:"status"`
	IsActive bool   `json:"is_active"`

	// LastUsed is epoch seconds of the last request served.
	LastUsed int64 `json:"last_used,omitempty"`

	// Credential is the encrypted bundle (iv:tag:payload hex).
	Credential string `json:"credential,omitempty"`

	ProjectID string `json:"project_id,omitempty"`

	Quota provider.Quota `json:"quota,omitempty"`
}

// Clone deep-copies the account so callers can inspect it without
// holding the pool lock.
func (a *Account) Clone() *Account {
	c := *a
	if a.Quota != nil {
		c.Quota = make(provider.Quota, len(a.Quota))
		for k, v := range a.Quota {
			c.Quota[k] = v
		}
	}
	return &c
}

// Redacted strips the credential bundle for API responses.
func (a *Account) Redacted() *Account {
	c := a.Clone()
	c.Credential = ""
	return c
}

// Credential is the plaintext content of an account's encrypted bundle.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	// Expiry is epoch seconds at which AccessToken stops working.
	Expiry int64 `json:"expiry,omitempty"`
}

// Identity is what the id_token claims reveal about the account holder.
type Identity struct {
	Email   string
	Name    string
	Picture string
}
