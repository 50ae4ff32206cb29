package execution

import (
	"context"
	"fmt"

	"github.com/gregtusar/triarb/pkg/bitget"
	"github.com/gregtusar/triarb/pkg/models"
)

// AssetVenue is the subset of the Bitget client that lists account balances.
type AssetVenue interface {
	GetAssets(ctx context.Context, creds *models.Credentials, coins ...string) ([]bitget.Asset, error)
}

// CredentialSource resolves the credentials for a user.
type CredentialSource interface {
	Get(ctx context.Context, userID string) (*models.Credentials, error)
}

// Balances reads the spot balances of the user the strategy currently trades
// for.
type Balances struct {
	venue  AssetVenue
	creds  CredentialSource
	userID func() string
}

func NewBalances(venue AssetVenue, creds CredentialSource, userID func() string) *Balances {
	return &Balances{venue: venue, creds: creds, userID: userID}
}

func (b *Balances) Balances(ctx context.Context) ([]bitget.Asset, error) {
	user := b.userID()
	creds, err := b.creds.Get(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("credentials for %q: %w", user, err)
	}
	return b.venue.GetAssets(ctx, creds)
}
