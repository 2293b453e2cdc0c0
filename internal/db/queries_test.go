package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "upnext-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

func TestAccounts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("creates account with generated ID", func(t *testing.T) {
		account := &Account{ProviderType: "google", Email: "me@example.com", DisplayName: "Google Calendar"}
		if err := db.CreateAccount(account); err != nil {
			t.Fatalf("failed to create account: %v", err)
		}
		if account.ID == "" {
			t.Fatal("expected generated ID")
		}

		got, err := db.GetAccount(account.ID)
		if err != nil {
			t.Fatalf("failed to get account: %v", err)
		}
		if got.Email != "me@example.com" || got.ProviderType != "google" {
			t.Errorf("unexpected account: %+v", got)
		}
	})

	t.Run("rejects duplicate ID", func(t *testing.T) {
		account := &Account{ID: "dup", ProviderType: "outlook"}
		if err := db.CreateAccount(account); err != nil {
			t.Fatalf("failed to create account: %v", err)
		}
		err := db.CreateAccount(&Account{ID: "dup", ProviderType: "outlook"})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("lists accounts oldest first", func(t *testing.T) {
		older := &Account{ID: "older", ProviderType: "google", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
		if err := db.CreateAccount(older); err != nil {
			t.Fatalf("failed to create account: %v", err)
		}

		accounts, err := db.ListAccounts()
		if err != nil {
			t.Fatalf("failed to list accounts: %v", err)
		}
		if len(accounts) != 3 {
			t.Fatalf("expected 3 accounts, got %d", len(accounts))
		}
		if accounts[0].ID != "older" {
			t.Errorf("expected oldest account first, got %s", accounts[0].ID)
		}
	})

	t.Run("updates account", func(t *testing.T) {
		account, err := db.GetAccount("dup")
		if err != nil {
			t.Fatalf("failed to get account: %v", err)
		}
		account.Email = "work@example.com"
		if err := db.UpdateAccount(account); err != nil {
			t.Fatalf("failed to update account: %v", err)
		}
		got, _ := db.GetAccount("dup")
		if got.Email != "work@example.com" {
			t.Errorf("expected updated email, got %q", got.Email)
		}

		if err := db.UpdateAccount(&Account{ID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("deletes account", func(t *testing.T) {
		if err := db.DeleteAccount("dup"); err != nil {
			t.Fatalf("failed to delete account: %v", err)
		}
		if _, err := db.GetAccount("dup"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := db.DeleteAccount("dup"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for second delete, got %v", err)
		}
	})
}

func TestCredentials(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("update before insert reports not found", func(t *testing.T) {
		err := db.UpdateCredential(&Credential{AccountID: "a1", ProviderType: "google", AccessToken: "x", ExpiresAt: expires})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("insert then get", func(t *testing.T) {
		cred := &Credential{AccountID: "a1", ProviderType: "google", AccessToken: "sealed-access", RefreshToken: "sealed-refresh", ExpiresAt: expires}
		if err := db.InsertCredential(cred); err != nil {
			t.Fatalf("failed to insert credential: %v", err)
		}

		got, err := db.GetCredential("a1")
		if err != nil {
			t.Fatalf("failed to get credential: %v", err)
		}
		if got.AccessToken != "sealed-access" || got.RefreshToken != "sealed-refresh" {
			t.Errorf("unexpected tokens: %+v", got)
		}
		if !got.ExpiresAt.Equal(expires) {
			t.Errorf("expected expiry %v, got %v", expires, got.ExpiresAt)
		}
	})

	t.Run("second insert is a duplicate", func(t *testing.T) {
		err := db.InsertCredential(&Credential{AccountID: "a1", ProviderType: "google", AccessToken: "y", ExpiresAt: expires})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("update overwrites", func(t *testing.T) {
		err := db.UpdateCredential(&Credential{AccountID: "a1", ProviderType: "google", AccessToken: "rotated", ExpiresAt: expires.Add(time.Hour)})
		if err != nil {
			t.Fatalf("failed to update credential: %v", err)
		}
		got, _ := db.GetCredential("a1")
		if got.AccessToken != "rotated" || got.RefreshToken != "" {
			t.Errorf("expected full overwrite, got %+v", got)
		}
	})

	t.Run("lists account IDs", func(t *testing.T) {
		if err := db.InsertCredential(&Credential{AccountID: "a0", ProviderType: "outlook", AccessToken: "z", ExpiresAt: expires}); err != nil {
			t.Fatalf("failed to insert credential: %v", err)
		}
		ids, err := db.ListCredentialAccountIDs()
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(ids) != 2 || ids[0] != "a0" || ids[1] != "a1" {
			t.Errorf("expected [a0 a1], got %v", ids)
		}
	})

	t.Run("delete reports affected rows", func(t *testing.T) {
		n, err := db.DeleteCredential("a1")
		if err != nil || n != 1 {
			t.Errorf("expected 1 row deleted, got %d, %v", n, err)
		}
		n, err = db.DeleteCredential("a1")
		if err != nil || n != 0 {
			t.Errorf("expected no-op delete, got %d, %v", n, err)
		}
		if _, err := db.GetCredential("a1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRefreshLog(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t.Run("creates and lists newest first", func(t *testing.T) {
		for i, status := range []RefreshStatus{RefreshStatusSuccess, RefreshStatusPartial} {
			log := &RefreshLog{
				CycleID:         "cycle",
				Status:          status,
				EventCount:      10 + i,
				ProviderCount:   3,
				FailedProviders: i,
				Duration:        1500 * time.Millisecond,
			}
			if err := db.CreateRefreshLog(log); err != nil {
				t.Fatalf("failed to create refresh log: %v", err)
			}
			if log.Trigger != RefreshTriggerScheduled {
				t.Errorf("expected default trigger, got %q", log.Trigger)
			}
			time.Sleep(5 * time.Millisecond)
		}

		logs, err := db.GetRefreshLogs(10)
		if err != nil {
			t.Fatalf("failed to get refresh logs: %v", err)
		}
		if len(logs) != 2 {
			t.Fatalf("expected 2 logs, got %d", len(logs))
		}
		if logs[0].Status != RefreshStatusPartial || logs[0].FailedProviders != 1 {
			t.Errorf("expected newest log first, got %+v", logs[0])
		}
		if logs[1].Duration != 1500*time.Millisecond {
			t.Errorf("expected duration to round-trip, got %v", logs[1].Duration)
		}
	})

	t.Run("respects limit", func(t *testing.T) {
		logs, err := db.GetRefreshLogs(1)
		if err != nil {
			t.Fatalf("failed to get refresh logs: %v", err)
		}
		if len(logs) != 1 {
			t.Errorf("expected 1 log, got %d", len(logs))
		}
	})

	t.Run("cleans old logs", func(t *testing.T) {
		deleted, err := db.CleanOldRefreshLogs(time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("failed to clean logs: %v", err)
		}
		if deleted != 2 {
			t.Errorf("expected 2 deleted, got %d", deleted)
		}
		logs, _ := db.GetRefreshLogs(10)
		if len(logs) != 0 {
			t.Errorf("expected no logs left, got %d", len(logs))
		}
	})
}

func TestRefreshStatusIsValid(t *testing.T) {
	if !RefreshStatusPartial.IsValid() {
		t.Error("expected partial to be valid")
	}
	if RefreshStatus("pending").IsValid() {
		t.Error("expected pending to be invalid")
	}
}

func TestDatabaseConnection(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Ping(); err != nil {
		t.Errorf("ping failed: %v", err)
	}
	if db.Conn() == nil {
		t.Error("expected underlying connection")
	}

	t.Run("migrations are idempotent", func(t *testing.T) {
		if err := db.migrate(); err != nil {
			t.Errorf("second migrate failed: %v", err)
		}
	})
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(nil) {
		t.Error("nil is not a violation")
	}
	if !isUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: accounts.id (1555)")) {
		t.Error("expected UNIQUE message to match")
	}
	if isUniqueViolation(errors.New("disk I/O error")) {
		t.Error("unexpected match")
	}
}
