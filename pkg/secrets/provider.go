// Package secrets resolves venue credentials for live trading.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/triarb/pkg/models"
)

var ErrNoCredentials = errors.New("no credentials")

type Provider interface {
	Get(ctx context.Context, userID string) (*models.Credentials, error)
}

// StaticProvider serves credentials loaded from config or the environment.
// Per-user entries win over the default bundle.
type StaticProvider struct {
	def   models.Credentials
	users map[string]models.Credentials
}

func NewStaticProvider(def models.Credentials) *StaticProvider {
	return &StaticProvider{def: def, users: make(map[string]models.Credentials)}
}

func (p *StaticProvider) SetUser(userID string, creds models.Credentials) {
	p.users[userID] = creds
}

func (p *StaticProvider) Get(_ context.Context, userID string) (*models.Credentials, error) {
	if c, ok := p.users[userID]; ok && c.Complete() {
		return &c, nil
	}
	if p.def.Complete() {
		c := p.def
		return &c, nil
	}
	return nil, fmt.Errorf("user %q: %w", userID, ErrNoCredentials)
}

type cachedCredentials struct {
	creds     models.Credentials
	fetchedAt time.Time
}

// GCPProvider reads credentials from Secret Manager and caches them for ttl.
type GCPProvider struct {
	secrets SecretAccessor
	names   SecretNames
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedCredentials
}

func NewGCPProvider(secrets SecretAccessor, names SecretNames, ttl time.Duration) *GCPProvider {
	return &GCPProvider{
		secrets: secrets,
		names:   names,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cachedCredentials),
	}
}

func (p *GCPProvider) Get(ctx context.Context, userID string) (*models.Credentials, error) {
	p.mu.Lock()
	if c, ok := p.cache[userID]; ok && p.now().Sub(c.fetchedAt) < p.ttl {
		p.mu.Unlock()
		creds := c.creds
		return &creds, nil
	}
	p.mu.Unlock()

	names := p.names.ForUser(userID)
	var creds models.Credentials
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{names.APIKey, &creds.APIKey},
		{names.SecretKey, &creds.SecretKey},
		{names.Passphrase, &creds.Passphrase},
	} {
		v, err := p.secrets.GetSecret(ctx, f.name)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w: %v", userID, ErrNoCredentials, err)
		}
		*f.dst = v
	}
	if !creds.Complete() {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNoCredentials)
	}

	p.mu.Lock()
	p.cache[userID] = cachedCredentials{creds: creds, fetchedAt: p.now()}
	p.mu.Unlock()
	return &creds, nil
}

// Chain asks each provider in turn and returns the first complete bundle.
type Chain []Provider

func (c Chain) Get(ctx context.Context, userID string) (*models.Credentials, error) {
	var errs []error
	for _, p := range c {
		creds, err := p.Get(ctx, userID)
		if err == nil && creds.Complete() {
			return creds, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNoCredentials)
	}
	return nil, errors.Join(append([]error{ErrNoCredentials}, errs...)...)
}
