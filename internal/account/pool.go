package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-tools/agproxy/internal/apperr"
	"github.com/antigravity-tools/agproxy/internal/config"
	"github.com/antigravity-tools/agproxy/internal/credstore"
	"github.com/antigravity-tools/agproxy/internal/provider"
)

// UpstreamClient is the slice of the dispatcher the pool needs for
// project discovery.
type UpstreamClient interface {
	DiscoverProject(ctx context.Context, token string) (string, error)
}

// Pool is the ordered account set. All mutations go through a single
// writer lock held only for the in-memory update; network calls happen
// outside it.
type Pool struct {
	mu       sync.RWMutex
	accounts []*Account

	storage  *Storage
	creds    *credstore.Store
	oauth    OAuthClient
	upstream UpstreamClient
	cfg      *config.Manager
	logger   *slog.Logger

	projectCache map[string]string

	subsMu sync.Mutex
	subs   []func(Event)
}

func NewPool(storage *Storage, creds *credstore.Store, oauth OAuthClient, upstream UpstreamClient, cfg *config.Manager, logger *slog.Logger) *Pool {
	return &Pool{
		storage:      storage,
		creds:        creds,
		oauth:        oauth,
		upstream:     upstream,
		cfg:          cfg,
		logger:       logger,
		projectCache: make(map[string]string),
	}
}

// Load reads persisted accounts and repairs the exactly-one-active
// invariant if the on-disk state drifted.
func (p *Pool) Load() error {
	accounts, err := p.storage.Load()
	if err != nil {
		return err
	}

	activeSeen := false
	for _, a := range accounts {
		if a.IsActive {
			if activeSeen {
				a.IsActive = false
				a.Status = StatusIdle
				_ = p.storage.Save(a)
				continue
			}
			activeSeen = true
		}
	}

	p.mu.Lock()
	p.accounts = accounts
	p.mu.Unlock()
	return nil
}

func (p *Pool) Subscribe(fn func(Event)) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subs = append(p.subs, fn)
}

func (p *Pool) publish(events ...Event) {
	p.subsMu.Lock()
	subs := append([]func(Event){}, p.subs...)
	p.subsMu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// List returns deep copies in pool order.
func (p *Pool) List() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Account, len(p.accounts))
	for i, a := range p.accounts {
		out[i] = a.Clone()
	}
	return out
}

func (p *Pool) Get(id string) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if a := p.findLocked(id); a != nil {
		return a.Clone(), nil
	}
	return nil, apperr.New(apperr.CodeAccountNotFound, http.StatusNotFound, "account "+id+" not found")
}

// GetActive returns the currently selected account, or a NO_ACCOUNT
// error when none is selected.
func (p *Pool) GetActive() (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, a := range p.accounts {
		if a.IsActive {
			return a.Clone(), nil
		}
	}
	return nil, apperr.New(apperr.CodeNoAccount, http.StatusServiceUnavailable, "no active account in pool")
}

// Quotas snapshots every account's quota for pool-wide aggregation.
func (p *Pool) Quotas() []provider.Quota {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]provider.Quota, 0, len(p.accounts))
	for _, a := range p.accounts {
		if a.Quota != nil {
			out = append(out, a.Clone().Quota)
		}
	}
	return out
}

// Add exchanges an authorization code and inserts the resulting account.
// Duplicate emails are rejected unless replace is set, in which case the
// existing account's credential is overwritten in place.
func (p *Pool) Add(ctx context.Context, authCode string, replace bool) (*Account, error) {
	cred, identity, err := p.oauth.Exchange(ctx, authCode)
	if err != nil {
		return nil, err
	}

	bundle, err := p.encryptCredential(cred)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing := p.findByEmailLocked(identity.Email); existing != nil {
		if !replace {
			p.mu.Unlock()
			return nil, apperr.New(apperr.CodeAccountExists, http.StatusConflict,
				"account "+identity.Email+" already exists")
		}
		existing.Credential = bundle
		existing.Name = identity.Name
		existing.AvatarURL = identity.Picture
		existing.Status = statusForSlot(existing.IsActive)
		clone := existing.Clone()
		p.mu.Unlock()

		if err := p.storage.Save(clone); err != nil {
			return nil, err
		}
		return clone.Redacted(), nil
	}

	a := &Account{
		ID:          uuid.NewString(),
		Name:        identity.Name,
		Email:       identity.Email,
		AvatarURL:   identity.Picture,
		ProviderTag: "antigravity",
		Status:      StatusIdle,
		Credential:  bundle,
	}
	if len(p.accounts) == 0 {
		a.IsActive = true
		a.Status = StatusActive
	}
	p.accounts = append(p.accounts, a)
	clone := a.Clone()
	p.mu.Unlock()

	if err := p.storage.Save(clone); err != nil {
		return nil, err
	}
	p.logger.Info("account added", "id", a.ID, "email", a.Email)
	return clone.Redacted(), nil
}

// LocalImport is an IDE-managed credential document handed to
// sync-local.
type LocalImport struct {
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Expiry       int64  `json:"expiry,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// SyncLocal imports an externally authenticated account without a code
// exchange.
func (p *Pool) SyncLocal(imp LocalImport) (*Account, error) {
	if imp.Email == "" || imp.AccessToken == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, http.StatusBadRequest,
			"sync-local requires email and access_token")
	}

	bundle, err := p.encryptCredential(&Credential{
		AccessToken:  imp.AccessToken,
		RefreshToken: imp.RefreshToken,
		Expiry:       imp.Expiry,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing := p.findByEmailLocked(imp.Email); existing != nil {
		existing.Credential = bundle
		if imp.ProjectID != "" {
			existing.ProjectID = imp.ProjectID
		}
		clone := existing.Clone()
		p.mu.Unlock()

		if err := p.storage.Save(clone); err != nil {
			return nil, err
		}
		return clone.Redacted(), nil
	}

	a := &Account{
		ID:          uuid.NewString(),
		Name:        imp.Name,
		Email:       imp.Email,
		AvatarURL:   imp.AvatarURL,
		ProviderTag: "antigravity",
		Status:      StatusIdle,
		Credential:  bundle,
		ProjectID:   imp.ProjectID,
	}
	if len(p.accounts) == 0 {
		a.IsActive = true
		a.Status = StatusActive
	}
	p.accounts = append(p.accounts, a)
	clone := a.Clone()
	p.mu.Unlock()

	if err := p.storage.Save(clone); err != nil {
		return nil, err
	}
	return clone.Redacted(), nil
}

// Delete removes the account and purges its persisted credential.
func (p *Pool) Delete(id string) error {
	p.mu.Lock()
	idx := -1
	for i, a := range p.accounts {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return apperr.New(apperr.CodeAccountNotFound, http.StatusNotFound, "account "+id+" not found")
	}
	p.accounts = append(p.accounts[:idx], p.accounts[idx+1:]...)
	delete(p.projectCache, id)
	p.mu.Unlock()

	if err := p.storage.Delete(id); err != nil {
		return err
	}
	p.logger.Info("account deleted", "id", id)
	return nil
}

// SwitchTo makes id the single active account. Transactional: the
// target flips on, every other flips off, and all touched documents are
// persisted.
func (p *Pool) SwitchTo(id string) error {
	p.mu.Lock()
	target := p.findLocked(id)
	if target == nil {
		p.mu.Unlock()
		return apperr.New(apperr.CodeAccountNotFound, http.StatusNotFound, "account "+id+" not found")
	}

	changed, events := p.selectLocked(target)
	p.mu.Unlock()

	for _, a := range changed {
		if err := p.storage.Save(a); err != nil {
			return err
		}
	}
	p.publish(events...)
	return nil
}

// selectLocked flips the active flag to target and returns the touched
// account clones plus the events to publish. Caller holds the write lock.
func (p *Pool) selectLocked(target *Account) ([]*Account, []Event) {
	var changed []*Account
	var events []Event

	for _, a := range p.accounts {
		if a.ID == target.ID {
			continue
		}
		if a.IsActive {
			a.IsActive = false
			if a.Status == StatusActive {
				events = append(events, Event{Type: EventStatusChanged, AccountID: a.ID, From: StatusActive, To: StatusIdle})
				a.Status = StatusIdle
			}
			changed = append(changed, a.Clone())
		}
	}

	if !target.IsActive {
		target.IsActive = true
		if target.Status == StatusIdle {
			events = append(events, Event{Type: EventStatusChanged, AccountID: target.ID, From: StatusIdle, To: StatusActive})
			target.Status = StatusActive
		}
		changed = append(changed, target.Clone())
		events = append(events, Event{Type: EventAccountSwitched, AccountID: target.ID})
	}
	return changed, events
}

// Touch updates last_used to now.
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	a := p.findLocked(id)
	if a == nil {
		p.mu.Unlock()
		return
	}
	a.LastUsed = time.Now().Unix()
	clone := a.Clone()
	p.mu.Unlock()

	if err := p.storage.Save(clone); err != nil {
		p.logger.Warn("persist last_used failed", "id", id, "error", err)
	}
}

// MarkRateLimited transitions the account to rate_limited and, when the
// victim was active and auto-switch is on, selects a replacement.
func (p *Pool) MarkRateLimited(id string) {
	p.setStatus(id, StatusRateLimited)
	p.maybeAutoSwitch(id)
}

// MarkError quarantines an account after an authentication failure.
func (p *Pool) MarkError(id string) {
	p.setStatus(id, StatusError)
}

func (p *Pool) setStatus(id string, to Status) {
	p.mu.Lock()
	a := p.findLocked(id)
	if a == nil || a.Status == to {
		p.mu.Unlock()
		return
	}
	from := a.Status
	a.Status = to
	clone := a.Clone()
	p.mu.Unlock()

	if err := p.storage.Save(clone); err != nil {
		p.logger.Warn("persist status failed", "id", id, "error", err)
	}
	p.publish(Event{Type: EventStatusChanged, AccountID: id, From: from, To: to})
}

// ApplyQuota installs a freshly polled snapshot atomically and derives
// the status transition it implies. Returns the transition for the
// poller's event stream.
func (p *Pool) ApplyQuota(id string, q provider.Quota) (from, to Status, err error) {
	visibility := p.cfg.Get().ModelVisibility

	p.mu.Lock()
	a := p.findLocked(id)
	if a == nil {
		p.mu.Unlock()
		return "", "", apperr.New(apperr.CodeAccountNotFound, http.StatusNotFound, "account "+id+" not found")
	}

	from = a.Status
	a.Quota = q

	switch {
	case a.Status == StatusError:
		// Quarantined accounts stay put until re-auth.
	case q.Exhausted(visibility):
		a.Status = StatusRateLimited
	case a.Status == StatusRateLimited:
		// Reset boundary crossed.
		a.Status = statusForSlot(a.IsActive)
	}
	to = a.Status

	wasActive := a.IsActive
	overall := q.Overall(visibility)
	clone := a.Clone()
	p.mu.Unlock()

	if err := p.storage.Save(clone); err != nil {
		p.logger.Warn("persist quota failed", "id", id, "error", err)
	}

	events := []Event{{Type: EventQuotaUpdated, AccountID: id}}
	if from != to {
		events = append(events, Event{Type: EventStatusChanged, AccountID: id, From: from, To: to})
	}

	threshold := p.cfg.Get().SwitchThreshold()
	if wasActive && (overall < threshold || to == StatusRateLimited) {
		events = append(events, Event{Type: EventAutoSwitchCandidate, AccountID: id})
		p.publish(events...)
		p.maybeAutoSwitch(id)
		return from, to, nil
	}

	p.publish(events...)
	return from, to, nil
}

// maybeAutoSwitch re-selects when enabled and the given account is the
// active one. The winner is the non-rate-limited candidate with the
// highest overall percentage; ties break toward the most recently used.
// With no candidate the active selection is kept and no_capacity is
// emitted.
func (p *Pool) maybeAutoSwitch(fromID string) {
	cfg := p.cfg.Get()
	if !cfg.AutoSwitchEnabled {
		return
	}

	p.mu.Lock()
	active := p.findLocked(fromID)
	if active == nil || !active.IsActive {
		p.mu.Unlock()
		return
	}

	var best *Account
	var bestOverall float64
	for _, a := range p.accounts {
		if a.ID == fromID || a.Status == StatusRateLimited || a.Status == StatusError {
			continue
		}
		overall := a.Quota.Overall(cfg.ModelVisibility)
		if best == nil || overall > bestOverall ||
			(overall == bestOverall && a.LastUsed > best.LastUsed) {
			best = a
			bestOverall = overall
		}
	}

	if best == nil {
		p.mu.Unlock()
		p.publish(Event{Type: EventNoCapacity, AccountID: fromID})
		return
	}

	changed, events := p.selectLocked(best)
	p.mu.Unlock()

	for _, a := range changed {
		if err := p.storage.Save(a); err != nil {
			p.logger.Warn("persist switch failed", "id", a.ID, "error", err)
		}
	}
	p.logger.Info("auto-switched account", "from", fromID, "to", best.ID)
	p.publish(events...)
}

// AccessToken returns a live bearer token for the account, refreshing
// and re-persisting as needed. Never holds the pool lock across the
// network.
func (p *Pool) AccessToken(ctx context.Context, id string) (string, error) {
	p.mu.RLock()
	a := p.findLocked(id)
	if a == nil {
		p.mu.RUnlock()
		return "", apperr.New(apperr.CodeAccountNotFound, http.StatusNotFound, "account "+id+" not found")
	}
	bundle := a.Credential
	p.mu.RUnlock()

	res, err := p.creds.DecryptWithMigration(bundle)
	if err != nil {
		return "", err
	}
	if res.Reencrypted != "" {
		p.rewriteBundle(id, bundle, res.Reencrypted)
	}

	var cred Credential
	if err := json.Unmarshal(res.Plaintext, &cred); err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}

	if cred.AccessToken != "" && !needsRefresh(cred.Expiry) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		p.MarkError(id)
		return "", apperr.New(apperr.CodeAuthRejected, http.StatusUnauthorized,
			"access token expired and no refresh token is stored")
	}

	refreshed, err := p.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		// Network trouble is not an account problem; only a real
		// rejection quarantines.
		if apperr.HasCode(err, apperr.CodeAuthRejected) {
			p.MarkError(id)
		}
		return "", err
	}
	if refreshed.IDToken == "" {
		refreshed.IDToken = cred.IDToken
	}

	newBundle, err := p.encryptCredential(refreshed)
	if err != nil {
		return "", err
	}
	p.rewriteBundle(id, "", newBundle)
	p.logger.Debug("access token refreshed", "id", id)
	return refreshed.AccessToken, nil
}

// ProjectFor resolves the upstream project the account is bound to,
// discovering and caching it on first use.
func (p *Pool) ProjectFor(ctx context.Context, id string) (string, error) {
	p.mu.RLock()
	a := p.findLocked(id)
	if a == nil {
		p.mu.RUnlock()
		return "", apperr.New(apperr.CodeAccountNotFound, http.StatusNotFound, "account "+id+" not found")
	}
	if a.ProjectID != "" {
		defer p.mu.RUnlock()
		return a.ProjectID, nil
	}
	if cached, ok := p.projectCache[id]; ok {
		defer p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	token, err := p.AccessToken(ctx, id)
	if err != nil {
		return "", err
	}
	projectID, err := p.upstream.DiscoverProject(ctx, token)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.projectCache[id] = projectID
	if a := p.findLocked(id); a != nil {
		a.ProjectID = projectID
		clone := a.Clone()
		p.mu.Unlock()
		if err := p.storage.Save(clone); err != nil {
			p.logger.Warn("persist project failed", "id", id, "error", err)
		}
		return projectID, nil
	}
	p.mu.Unlock()
	return projectID, nil
}

// rewriteBundle swaps the stored credential, guarding against a
// concurrent writer when expected is non-empty.
func (p *Pool) rewriteBundle(id, expected, bundle string) {
	p.mu.Lock()
	a := p.findLocked(id)
	if a == nil || (expected != "" && a.Credential != expected) {
		p.mu.Unlock()
		return
	}
	a.Credential = bundle
	clone := a.Clone()
	p.mu.Unlock()

	if err := p.storage.Save(clone); err != nil {
		p.logger.Warn("persist credential failed", "id", id, "error", err)
	}
}

func (p *Pool) encryptCredential(cred *Credential) (string, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	return p.creds.Encrypt(plaintext)
}

func (p *Pool) findLocked(id string) *Account {
	for _, a := range p.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (p *Pool) findByEmailLocked(email string) *Account {
	for _, a := range p.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

func statusForSlot(isActive bool) Status {
	if isActive {
		return StatusActive
	}
	return StatusIdle
}

func needsRefresh(expiry int64) bool {
	if expiry == 0 {
		return false
	}
	return time.Until(time.Unix(expiry, 0)) < RefreshSkew
}
