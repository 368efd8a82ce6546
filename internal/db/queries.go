package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAccount creates a new account together with its folder selections.
func (db *DB) CreateAccount(account *Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt

	settings, err := encodeSettings(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode account settings: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `INSERT INTO accounts (id, label, type, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(query, account.ID, account.Label, account.Type, settings,
		account.CreatedAt, account.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	if err := insertFolderSelections(tx, account.ID, account.Folders); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account: %w", err)
	}

	for i := range account.Folders {
		account.Folders[i].AccountID = account.ID
	}
	return nil
}

// GetAccount returns an account by its ID, including folder selections.
func (db *DB) GetAccount(id string) (*Account, error) {
	query := `SELECT id, label, type, settings, created_at, updated_at FROM accounts WHERE id = ?`
	row := db.conn.QueryRow(query, id)

	account, err := scanAccount(row)
	if err != nil {
		return nil, err
	}

	folders, err := db.getFolderSelections(account.ID)
	if err != nil {
		return nil, err
	}
	account.Folders = folders

	return account, nil
}

// ListAccounts returns all accounts including their folder selections.
func (db *DB) ListAccounts() ([]*Account, error) {
	query := `SELECT id, label, type, settings, created_at, updated_at FROM accounts ORDER BY label`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccountFromRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	for _, account := range accounts {
		folders, err := db.getFolderSelections(account.ID)
		if err != nil {
			return nil, err
		}
		account.Folders = folders
	}

	return accounts, nil
}

// ListAccountsByType returns all accounts of the given type.
func (db *DB) ListAccountsByType(accountType AccountType) ([]*Account, error) {
	query := `SELECT id, label, type, settings, created_at, updated_at FROM accounts
		WHERE type = ? ORDER BY label`

	rows, err := db.conn.Query(query, accountType)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccountFromRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	for _, account := range accounts {
		folders, err := db.getFolderSelections(account.ID)
		if err != nil {
			return nil, err
		}
		account.Folders = folders
	}

	return accounts, nil
}

// UpdateAccount updates an existing account and rebuilds its folder selections.
func (db *DB) UpdateAccount(account *Account) error {
	account.UpdatedAt = time.Now().UTC()

	settings, err := encodeSettings(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode account settings: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `UPDATE accounts SET label = ?, type = ?, settings = ?, updated_at = ? WHERE id = ?`
	result, err := tx.Exec(query, account.Label, account.Type, settings, account.UpdatedAt, account.ID)
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

	// Folder selections are rebuilt wholesale on every update
	if _, err := tx.Exec(`DELETE FROM imap_folders WHERE account_id = ?`, account.ID); err != nil {
		return fmt.Errorf("failed to clear folder selections: %w", err)
	}
	if err := insertFolderSelections(tx, account.ID, account.Folders); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account update: %w", err)
	}

	for i := range account.Folders {
		account.Folders[i].AccountID = account.ID
	}
	return nil
}

// DeleteAccount deletes an account. Sync mappings referencing the account on
// either side are removed and tracked events are detached from it, but the
// events themselves are kept.
func (db *DB) DeleteAccount(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(`DELETE FROM sync_mappings WHERE imap_account_id = ? OR caldav_account_id = ?`, id, id); err != nil {
		return fmt.Errorf("failed to delete sync mappings: %w", err)
	}
	if _, err := tx.Exec(`UPDATE tracked_events SET source_account_id = NULL, updated_at = ? WHERE source_account_id = ?`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to detach tracked events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM imap_folders WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete folder selections: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM accounts WHERE id = ?`, id)
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

	return tx.Commit()
}

// getFolderSelections returns the folder selections for an account.
func (db *DB) getFolderSelections(accountID string) ([]FolderSelection, error) {
	query := `SELECT id, account_id, name, include_subfolders FROM imap_folders
		WHERE account_id = ? ORDER BY name`

	rows, err := db.conn.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder selections: %w", err)
	}
	defer rows.Close()

	var folders []FolderSelection
	for rows.Next() {
		var f FolderSelection
		if err := rows.Scan(&f.ID, &f.AccountID, &f.Name, &f.IncludeSubfolders); err != nil {
			return nil, fmt.Errorf("failed to scan folder selection: %w", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folder selections: %w", err)
	}

	return folders, nil
}

// insertFolderSelections inserts folder selections within a transaction.
func insertFolderSelections(tx *sql.Tx, accountID string, folders []FolderSelection) error {
	query := `INSERT INTO imap_folders (id, account_id, name, include_subfolders) VALUES (?, ?, ?, ?)`
	for i := range folders {
		if folders[i].ID == "" {
			folders[i].ID = uuid.New().String()
		}
		if _, err := tx.Exec(query, folders[i].ID, accountID, folders[i].Name, folders[i].IncludeSubfolders); err != nil {
			return fmt.Errorf("failed to insert folder selection: %w", err)
		}
	}
	return nil
}

// CreateSyncMapping creates a new sync mapping.
func (db *DB) CreateSyncMapping(mapping *SyncMapping) error {
	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}

	query := `INSERT INTO sync_mappings (id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(query, mapping.ID, mapping.IMAPAccountID, mapping.IMAPFolder,
		mapping.CalDAVAccountID, mapping.CalendarURL, nullableString(mapping.CalendarName))
	if err != nil {
		return fmt.Errorf("failed to create sync mapping: %w", err)
	}

	return nil
}

// GetSyncMapping returns a sync mapping by its ID.
func (db *DB) GetSyncMapping(id string) (*SyncMapping, error) {
	query := `SELECT id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name
		FROM sync_mappings WHERE id = ?`
	row := db.conn.QueryRow(query, id)

	mapping := &SyncMapping{}
	var calendarName sql.NullString
	err := row.Scan(&mapping.ID, &mapping.IMAPAccountID, &mapping.IMAPFolder,
		&mapping.CalDAVAccountID, &mapping.CalendarURL, &calendarName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync mapping: %w", err)
	}
	mapping.CalendarName = calendarName.String

	return mapping, nil
}

// ListSyncMappings returns all sync mappings.
func (db *DB) ListSyncMappings() ([]*SyncMapping, error) {
	query := `SELECT id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name
		FROM sync_mappings ORDER BY imap_folder`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*SyncMapping
	for rows.Next() {
		mapping := &SyncMapping{}
		var calendarName sql.NullString
		if err := rows.Scan(&mapping.ID, &mapping.IMAPAccountID, &mapping.IMAPFolder,
			&mapping.CalDAVAccountID, &mapping.CalendarURL, &calendarName); err != nil {
			return nil, fmt.Errorf("failed to scan sync mapping: %w", err)
		}
		mapping.CalendarName = calendarName.String
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync mappings: %w", err)
	}

	return mappings, nil
}

// GetMappingForSource returns the first sync mapping matching a mailbox
// account and folder.
func (db *DB) GetMappingForSource(accountID, folder string) (*SyncMapping, error) {
	query := `SELECT id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name
		FROM sync_mappings WHERE imap_account_id = ? AND imap_folder = ? LIMIT 1`
	row := db.conn.QueryRow(query, accountID, folder)

	mapping := &SyncMapping{}
	var calendarName sql.NullString
	err := row.Scan(&mapping.ID, &mapping.IMAPAccountID, &mapping.IMAPFolder,
		&mapping.CalDAVAccountID, &mapping.CalendarURL, &calendarName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping for source: %w", err)
	}
	mapping.CalendarName = calendarName.String

	return mapping, nil
}

// UpdateSyncMapping updates an existing sync mapping.
func (db *DB) UpdateSyncMapping(mapping *SyncMapping) error {
	query := `UPDATE sync_mappings SET imap_account_id = ?, imap_folder = ?, caldav_account_id = ?,
		calendar_url = ?, calendar_name = ? WHERE id = ?`
	result, err := db.conn.Exec(query, mapping.IMAPAccountID, mapping.IMAPFolder,
		mapping.CalDAVAccountID, mapping.CalendarURL, nullableString(mapping.CalendarName), mapping.ID)
	if err != nil {
		return fmt.Errorf("failed to update sync mapping: %w", err)
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

// DeleteSyncMapping deletes a sync mapping by its ID.
func (db *DB) DeleteSyncMapping(id string) error {
	result, err := db.conn.Exec(`DELETE FROM sync_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sync mapping: %w", err)
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

// scanAccount scans a single row into an Account struct.
func scanAccount(row *sql.Row) (*Account, error) {
	account := &Account{}
	var settings string

	err := row.Scan(&account.ID, &account.Label, &account.Type, &settings,
		&account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.Settings, err = decodeSettings(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to decode account settings: %w", err)
	}

	return account, nil
}

// scanAccountFromRows scans a row from sql.Rows into an Account struct.
func scanAccountFromRows(rows *sql.Rows) (*Account, error) {
	account := &Account{}
	var settings string

	err := rows.Scan(&account.ID, &account.Label, &account.Type, &settings,
		&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.Settings, err = decodeSettings(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to decode account settings: %w", err)
	}

	return account, nil
}

// encodeSettings marshals an opaque settings map for storage.
func encodeSettings(settings map[string]any) (string, error) {
	if settings == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decodeSettings unmarshals a stored settings blob.
func decodeSettings(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, err
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// nullableString converts an empty string to NULL for storage.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
