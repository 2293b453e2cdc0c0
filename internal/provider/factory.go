package provider

import (
	"fmt"

	"github.com/macjediwizard/upnext/internal/model"
)

// Factory builds adapters for stored accounts.
type Factory struct {
	Store         CalendarStore
	Credentials   CredentialSource
	GoogleOptions Options
	GraphOptions  Options
	LocalOptions  Options
}

// New returns the adapter matching account.ProviderType.
func (f *Factory) New(account model.CalendarAccount) (Provider, error) {
	switch account.ProviderType {
	case model.ProviderLocal:
		return NewLocal(f.Store, f.LocalOptions), nil
	case model.ProviderGoogle:
		return NewGoogle(account, f.Credentials, f.GoogleOptions), nil
	case model.ProviderOutlook:
		return NewOutlook(account, f.Credentials, f.GraphOptions), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, account.ProviderType)
	}
}
