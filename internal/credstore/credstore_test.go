package credstore

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/upnext/internal/crypto"
	"github.com/macjediwizard/upnext/internal/db"
	"github.com/macjediwizard/upnext/internal/model"
)

func setupStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	enc, err := crypto.NewEncryptor(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return New(database, enc), database
}

func sampleCreds(accountID string) *model.OAuthCredentials {
	return &model.OAuthCredentials{
		AccessToken:  "access-" + accountID,
		RefreshToken: "refresh-" + accountID,
		ExpiresAt:    time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC),
		AccountID:    accountID,
		ProviderType: model.ProviderGoogle,
	}
}

func TestSaveLoad(t *testing.T) {
	store, database := setupStore(t)

	if err := store.Save(sampleCreds("a1"), "a1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load("a1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := sampleCreds("a1")
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken ||
		!got.ExpiresAt.Equal(want.ExpiresAt) || got.ProviderType != want.ProviderType || got.AccountID != "a1" {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}

	t.Run("tokens are sealed at rest", func(t *testing.T) {
		row, err := database.GetCredential("a1")
		if err != nil {
			t.Fatalf("GetCredential failed: %v", err)
		}
		if row.AccessToken == want.AccessToken || row.RefreshToken == want.RefreshToken {
			t.Error("expected sealed tokens in the database")
		}
	})

	t.Run("save is an upsert", func(t *testing.T) {
		updated := sampleCreds("a1")
		updated.AccessToken = "rotated"
		updated.RefreshToken = ""
		if err := store.Save(updated, "a1"); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, _ := store.Load("a1")
		if got.AccessToken != "rotated" || got.RefreshToken != "" {
			t.Errorf("expected replaced credentials, got %+v", got)
		}
	})
}

func TestLoadErrors(t *testing.T) {
	store, database := setupStore(t)

	t.Run("missing", func(t *testing.T) {
		if _, err := store.Load("nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("undecryptable token", func(t *testing.T) {
		err := database.InsertCredential(&db.Credential{AccountID: "bad", ProviderType: "google", AccessToken: "not-sealed", ExpiresAt: time.Now()})
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if _, err := store.Load("bad"); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		sealed, _ := store.sealer.Encrypt("x")
		err := database.InsertCredential(&db.Credential{AccountID: "odd", ProviderType: "icloud", AccessToken: sealed, ExpiresAt: time.Now()})
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if _, err := store.Load("odd"); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("closed database", func(t *testing.T) {
		database.Close()
		if _, err := store.Load("a1"); !errors.Is(err, ErrBackend) {
			t.Errorf("expected ErrBackend, got %v", err)
		}
		if err := store.Delete("a1"); !errors.Is(err, ErrBackend) {
			t.Errorf("expected ErrBackend on delete, got %v", err)
		}
	})
}

func TestDelete(t *testing.T) {
	store, _ := setupStore(t)

	if err := store.Delete("missing"); err != nil {
		t.Errorf("deleting a missing entry should be a no-op, got %v", err)
	}

	if err := store.Save(sampleCreds("a1"), "a1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete("a1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListAccountIDs(t *testing.T) {
	store, _ := setupStore(t)

	for _, id := range []string{"b", "a"} {
		if err := store.Save(sampleCreds(id), id); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	ids, err := store.ListAccountIDs()
	if err != nil {
		t.Fatalf("ListAccountIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected [a b], got %v", ids)
	}
}

func TestConcurrentSaves(t *testing.T) {
	store, _ := setupStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("acct-%d", i%4)
			if err := store.Save(sampleCreds(id), id); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent save failed: %v", err)
	}
	ids, _ := store.ListAccountIDs()
	if len(ids) != 4 {
		t.Errorf("expected 4 accounts, got %v", ids)
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	store, _ := setupStore(t)
	if err := store.Save(nil, "a"); !errors.Is(err, ErrBackend) {
		t.Errorf("expected ErrBackend for nil credentials, got %v", err)
	}
	if err := store.Save(sampleCreds("a"), ""); !errors.Is(err, ErrBackend) {
		t.Errorf("expected ErrBackend for empty account, got %v", err)
	}
}
