package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAccount inserts a new account. A missing ID is generated.
func (db *DB) CreateAccount(account *Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := `INSERT INTO accounts (id, provider_type, email, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, account.ID, account.ProviderType, account.Email, account.DisplayName,
		account.CreatedAt, account.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s", ErrDuplicate, account.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccount returns an account by its ID.
func (db *DB) GetAccount(id string) (*Account, error) {
	query := `SELECT id, provider_type, email, display_name, created_at, updated_at FROM accounts WHERE id = ?`
	row := db.conn.QueryRow(query, id)

	account := &Account{}
	err := row.Scan(&account.ID, &account.ProviderType, &account.Email, &account.DisplayName,
		&account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// ListAccounts returns all accounts, oldest first.
func (db *DB) ListAccounts() ([]*Account, error) {
	query := `SELECT id, provider_type, email, display_name, created_at, updated_at
		FROM accounts ORDER BY created_at, id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account := &Account{}
		if err := rows.Scan(&account.ID, &account.ProviderType, &account.Email, &account.DisplayName,
			&account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// UpdateAccount updates the display fields of an account.
func (db *DB) UpdateAccount(account *Account) error {
	account.UpdatedAt = time.Now().UTC()

	query := `UPDATE accounts SET email = ?, display_name = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, account.Email, account.DisplayName, account.UpdatedAt, account.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAccount deletes an account by its ID.
func (db *DB) DeleteAccount(id string) error {
	result, err := db.conn.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateCredential overwrites the stored credential of cred.AccountID. It
// returns ErrNotFound when no row exists yet.
func (db *DB) UpdateCredential(cred *Credential) error {
	cred.UpdatedAt = time.Now().UTC()

	query := `UPDATE credentials SET provider_type = ?, access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE account_id = ?`

	result, err := db.conn.Exec(query, cred.ProviderType, cred.AccessToken, cred.RefreshToken,
		cred.ExpiresAt.UTC(), cred.UpdatedAt, cred.AccountID)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// InsertCredential stores a credential for an account that has none.
func (db *DB) InsertCredential(cred *Credential) error {
	cred.UpdatedAt = time.Now().UTC()

	query := `INSERT INTO credentials (account_id, provider_type, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, cred.AccountID, cred.ProviderType, cred.AccessToken, cred.RefreshToken,
		cred.ExpiresAt.UTC(), cred.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: credential for %s", ErrDuplicate, cred.AccountID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	return nil
}

// GetCredential returns the stored credential of an account.
func (db *DB) GetCredential(accountID string) (*Credential, error) {
	query := `SELECT account_id, provider_type, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE account_id = ?`
	row := db.conn.QueryRow(query, accountID)

	cred := &Credential{}
	err := row.Scan(&cred.AccountID, &cred.ProviderType, &cred.AccessToken, &cred.RefreshToken,
		&cred.ExpiresAt, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return cred, nil
}

// DeleteCredential removes the credential of an account. It returns the
// number of rows removed.
func (db *DB) DeleteCredential(accountID string) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM credentials WHERE account_id = ?`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete credential: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// ListCredentialAccountIDs returns the account IDs that have stored credentials.
func (db *DB) ListCredentialAccountIDs() ([]string, error) {
	rows, err := db.conn.Query(`SELECT account_id FROM credentials ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return ids, nil
}

// CreateRefreshLog creates a new refresh log entry.
func (db *DB) CreateRefreshLog(log *RefreshLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Trigger == "" {
		log.Trigger = RefreshTriggerScheduled
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO refresh_logs (id, cycle_id, trigger_source, status, message, event_count, provider_count,
		failed_providers, reauth_count, conflict_count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.CycleID, log.Trigger, log.Status, log.Message, log.EventCount,
		log.ProviderCount, log.FailedProviders, log.ReauthCount, log.ConflictCount, log.Duration.Milliseconds(), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh log: %w", err)
	}

	return nil
}

// GetRefreshLogs returns the most recent refresh logs, newest first.
func (db *DB) GetRefreshLogs(limit int) ([]*RefreshLog, error) {
	query := `SELECT id, cycle_id, trigger_source, status, message, event_count, provider_count,
		failed_providers, reauth_count, conflict_count, duration_ms, created_at
		FROM refresh_logs ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*RefreshLog, 0)
	for rows.Next() {
		log := &RefreshLog{}
		var durationMs int64
		err := rows.Scan(&log.ID, &log.CycleID, &log.Trigger, &log.Status, &log.Message, &log.EventCount,
			&log.ProviderCount, &log.FailedProviders, &log.ReauthCount, &log.ConflictCount, &durationMs, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh log: %w", err)
		}
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating refresh logs: %w", err)
	}

	return logs, nil
}

// CleanOldRefreshLogs deletes refresh logs older than the given time.
func (db *DB) CleanOldRefreshLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM refresh_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old refresh logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}
