package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("session_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("session_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("session_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("session_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("session_store.unsupported_no_scheme")
)

// DatabaseSessionStore persists refresh-token sessions using GORM.
type DatabaseSessionStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseSessionStore) Driver() string {
	return store.driverLabel
}

type sessionRow struct {
	SessionID       string `gorm:"column:session_id;primaryKey"`
	Subject         string `gorm:"column:subject;index;not null"`
	RotationCounter uint64 `gorm:"column:rotation_counter;not null;default:0"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
}

func (sessionRow) TableName() string {
	return "refresh_sessions"
}

// NewDatabaseSessionStore constructs a GORM-backed store. The database URL
// scheme selects the driver (postgres:// or sqlite://).
func NewDatabaseSessionStore(ctx context.Context, databaseURL string) (*DatabaseSessionStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("session_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("session_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRow{}); migrateErr != nil {
		return nil, fmt.Errorf("session_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseSessionStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       NewSystemClock(),
	}, nil
}

// DB exposes the underlying handle so sibling stores can share the connection.
func (store *DatabaseSessionStore) DB() *gorm.DB {
	return store.db
}

// Put inserts a new session row.
func (store *DatabaseSessionStore) Put(ctx context.Context, record SessionRecord) error {
	row := sessionRow{
		SessionID:       record.SessionID,
		Subject:         record.Subject,
		RotationCounter: record.RotationCounter,
		IssuedAtUnix:    record.IssuedAtUnix,
		ExpiresUnix:     record.ExpiresUnix,
		RevokedAtUnix:   record.RevokedAtUnix,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("session_store.put.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Get loads a session row by ID.
func (store *DatabaseSessionStore) Get(ctx context.Context, sessionID string) (SessionRecord, error) {
	var row sessionRow
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, fmt.Errorf("session_store.get.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return SessionRecord{}, fmt.Errorf("session_store.get.%s: %w", store.driverLabel, err)
	}
	return rowToRecord(row), nil
}

// Rotate performs a conditional counter increment. The WHERE clause carries
// the expected counter, so exactly one concurrent caller can win; losers see
// a revoked session and ErrRotationConflict.
func (store *DatabaseSessionStore) Rotate(ctx context.Context, sessionID string, expectedCounter uint64, newExpiresUnix int64) (SessionRecord, error) {
	// Subject and issued_at never change after Put, so a winning update
	// fully determines the resulting record; the raced columns are not
	// re-read, which keeps a concurrent rotation out of the minted token.
	var row sessionRow
	findErr := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if findErr != nil {
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return SessionRecord{}, fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return SessionRecord{}, fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, findErr)
	}

	result := store.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ? AND rotation_counter = ? AND revoked_at_unix = 0", sessionID, expectedCounter).
		Updates(map[string]interface{}{
			"rotation_counter": gorm.Expr("rotation_counter + 1"),
			"expires_unix":     newExpiresUnix,
		})
	if result.Error != nil {
		return SessionRecord{}, fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		current, getErr := store.Get(ctx, sessionID)
		if getErr != nil {
			return SessionRecord{}, getErr
		}
		if current.Revoked() {
			return SessionRecord{}, fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrSessionRevoked)
		}
		if revokeErr := store.Revoke(ctx, sessionID); revokeErr != nil {
			return SessionRecord{}, revokeErr
		}
		return SessionRecord{}, fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrRotationConflict)
	}
	return SessionRecord{
		SessionID:       sessionID,
		Subject:         row.Subject,
		RotationCounter: expectedCounter + 1,
		IssuedAtUnix:    row.IssuedAtUnix,
		ExpiresUnix:     newExpiresUnix,
	}, nil
}

// Revoke marks the session revoked; missing or already-revoked rows are a
// no-op.
func (store *DatabaseSessionStore) Revoke(ctx context.Context, sessionID string) error {
	result := store.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ? AND revoked_at_unix = 0", sessionID).
		Update("revoked_at_unix", store.clock.Now().Unix())
	if result.Error != nil {
		return fmt.Errorf("session_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// RevokeAllForSubject revokes every live session owned by the subject.
func (store *DatabaseSessionStore) RevokeAllForSubject(ctx context.Context, subject string) error {
	result := store.db.WithContext(ctx).Model(&sessionRow{}).
		Where("subject = ? AND revoked_at_unix = 0", subject).
		Update("revoked_at_unix", store.clock.Now().Unix())
	if result.Error != nil {
		return fmt.Errorf("session_store.revoke_all.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

func rowToRecord(row sessionRow) SessionRecord {
	return SessionRecord{
		SessionID:       row.SessionID,
		Subject:         row.Subject,
		RotationCounter: row.RotationCounter,
		IssuedAtUnix:    row.IssuedAtUnix,
		ExpiresUnix:     row.ExpiresUnix,
		RevokedAtUnix:   row.RevokedAtUnix,
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("session_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("session_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("session_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("session_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
