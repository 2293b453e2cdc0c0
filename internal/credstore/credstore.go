// Package credstore keeps OAuth credentials in the database, sealed at rest.
package credstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/macjediwizard/upnext/internal/db"
	"github.com/macjediwizard/upnext/internal/model"
)

var (
	ErrNotFound  = errors.New("credentials not found")
	ErrDuplicate = errors.New("credentials already exist")
	ErrCorrupt   = errors.New("stored credentials are corrupt")
	ErrBackend   = errors.New("credential backend failure")
)

// Sealer encrypts secrets before they reach the database.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(sealed string) (string, error)
}

// Store persists one credential set per account. Writes for the same
// account are serialized; different accounts never wait on each other.
type Store struct {
	db     *db.DB
	sealer Sealer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store.
func New(database *db.DB, sealer Sealer) *Store {
	return &Store{
		db:     database,
		sealer: sealer,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// Save stores creds under accountID, replacing any previous value.
func (s *Store) Save(creds *model.OAuthCredentials, accountID string) error {
	if creds == nil || accountID == "" {
		return fmt.Errorf("%w: credentials and account ID are required", ErrBackend)
	}

	access, err := s.sealer.Encrypt(creds.AccessToken)
	if err != nil {
		return fmt.Errorf("%w: failed to seal access token: %w", ErrBackend, err)
	}
	refresh := ""
	if creds.RefreshToken != "" {
		if refresh, err = s.sealer.Encrypt(creds.RefreshToken); err != nil {
			return fmt.Errorf("%w: failed to seal refresh token: %w", ErrBackend, err)
		}
	}

	row := &db.Credential{
		AccountID:    accountID,
		ProviderType: string(creds.ProviderType),
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    creds.ExpiresAt,
	}

	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	err = s.db.UpdateCredential(row)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}

	// Another process may have inserted between the update and here.
	if err := s.db.InsertCredential(row); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return fmt.Errorf("%w: %s", ErrDuplicate, accountID)
		}
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return nil
}

// Load returns the credentials of accountID.
func (s *Store) Load(accountID string) (*model.OAuthCredentials, error) {
	row, err := s.db.GetCredential(accountID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}

	pt := model.ProviderType(row.ProviderType)
	if !pt.IsValid() {
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrCorrupt, row.ProviderType)
	}

	access, err := s.sealer.Decrypt(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: access token: %w", ErrCorrupt, err)
	}
	refresh := ""
	if row.RefreshToken != "" {
		if refresh, err = s.sealer.Decrypt(row.RefreshToken); err != nil {
			return nil, fmt.Errorf("%w: refresh token: %w", ErrCorrupt, err)
		}
	}

	return &model.OAuthCredentials{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    row.ExpiresAt,
		AccountID:    accountID,
		ProviderType: pt,
	}, nil
}

// Delete removes the credentials of accountID. Deleting a missing entry is a
// no-op.
func (s *Store) Delete(accountID string) error {
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.DeleteCredential(accountID); err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return nil
}

// ListAccountIDs returns every account that has stored credentials.
func (s *Store) ListAccountIDs() ([]string, error) {
	ids, err := s.db.ListCredentialAccountIDs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return ids, nil
}
