package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DatabasePrincipalStore persists principals and linked provider identities
// using GORM, sharing the session store's connection.
type DatabasePrincipalStore struct {
	db *gorm.DB
}

type principalRow struct {
	PrincipalID  string `gorm:"column:principal_id;primaryKey"`
	Username     string `gorm:"column:username;uniqueIndex;not null"`
	PasswordHash string `gorm:"column:password_hash;not null;default:''"`
	DisplayName  string `gorm:"column:display_name;not null;default:''"`
	Email        string `gorm:"column:email;not null;default:''"`
	TokenVersion int    `gorm:"column:token_version;not null;default:0"`
}

func (principalRow) TableName() string {
	return "principals"
}

type providerIdentityRow struct {
	Provider          string `gorm:"column:provider;primaryKey"`
	ProviderSubjectID string `gorm:"column:provider_subject_id;primaryKey"`
	PrincipalID       string `gorm:"column:principal_id;index;not null"`
	Email             string `gorm:"column:email;not null;default:''"`
	DisplayName       string `gorm:"column:display_name;not null;default:''"`
}

func (providerIdentityRow) TableName() string {
	return "provider_identities"
}

// NewDatabasePrincipalStore migrates the principal tables on the given handle.
func NewDatabasePrincipalStore(ctx context.Context, db *gorm.DB) (*DatabasePrincipalStore, error) {
	if db == nil {
		return nil, fmt.Errorf("principal_store.open: %w", errEmptyDatabaseURL)
	}
	if migrateErr := db.WithContext(ctx).AutoMigrate(&principalRow{}, &providerIdentityRow{}); migrateErr != nil {
		return nil, fmt.Errorf("principal_store.migrate: %w", migrateErr)
	}
	return &DatabasePrincipalStore{db: db}, nil
}

// Get returns a principal by internal ID.
func (store *DatabasePrincipalStore) Get(ctx context.Context, principalID string) (Principal, error) {
	var row principalRow
	err := store.db.WithContext(ctx).Where("principal_id = ?", principalID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Principal{}, fmt.Errorf("principal_store.get: %w", ErrPrincipalNotFound)
		}
		return Principal{}, fmt.Errorf("principal_store.get: %w", err)
	}
	return rowToPrincipal(row), nil
}

// FindByCredentials resolves a password login. Unknown usernames and wrong
// passwords both collapse to ErrInvalidCredentials.
func (store *DatabasePrincipalStore) FindByCredentials(ctx context.Context, username string, password string) (Principal, error) {
	var row principalRow
	err := store.db.WithContext(ctx).Where("username = ?", username).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Principal{}, fmt.Errorf("principal_store.credentials: %w", ErrInvalidCredentials)
		}
		return Principal{}, fmt.Errorf("principal_store.credentials: %w", err)
	}
	if row.PasswordHash == "" {
		return Principal{}, fmt.Errorf("principal_store.credentials: %w", ErrInvalidCredentials)
	}
	if compareErr := bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)); compareErr != nil {
		return Principal{}, fmt.Errorf("principal_store.credentials: %w", ErrInvalidCredentials)
	}
	return rowToPrincipal(row), nil
}

// FindByProviderIdentity resolves the principal behind an external identity.
func (store *DatabasePrincipalStore) FindByProviderIdentity(ctx context.Context, provider string, providerSubjectID string) (Principal, error) {
	var identity providerIdentityRow
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_subject_id = ?", provider, providerSubjectID).
		Take(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Principal{}, fmt.Errorf("principal_store.identity: %w", ErrPrincipalNotFound)
		}
		return Principal{}, fmt.Errorf("principal_store.identity: %w", err)
	}
	return store.Get(ctx, identity.PrincipalID)
}

// CreateFromIdentity creates a principal on first external login and links
// the identity inside one transaction.
func (store *DatabasePrincipalStore) CreateFromIdentity(ctx context.Context, identity ProviderIdentity) (Principal, error) {
	row := principalRow{
		PrincipalID: uuid.NewString(),
		Username:    identity.Provider + ":" + identity.SubjectID,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
	}
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if createErr := tx.Create(&row).Error; createErr != nil {
			return createErr
		}
		return tx.Create(&providerIdentityRow{
			Provider:          identity.Provider,
			ProviderSubjectID: identity.SubjectID,
			PrincipalID:       row.PrincipalID,
			Email:             identity.Email,
			DisplayName:       identity.DisplayName,
		}).Error
	})
	if txErr != nil {
		return Principal{}, fmt.Errorf("principal_store.create: %w", txErr)
	}
	return rowToPrincipal(row), nil
}

// LinkIdentity attaches an additional provider identity to a principal.
func (store *DatabasePrincipalStore) LinkIdentity(ctx context.Context, principalID string, identity ProviderIdentity) error {
	err := store.db.WithContext(ctx).Create(&providerIdentityRow{
		Provider:          identity.Provider,
		ProviderSubjectID: identity.SubjectID,
		PrincipalID:       principalID,
		Email:             identity.Email,
		DisplayName:       identity.DisplayName,
	}).Error
	if err != nil {
		return fmt.Errorf("principal_store.link: %w", err)
	}
	return nil
}

// TokenVersion returns the principal's current token version.
func (store *DatabasePrincipalStore) TokenVersion(ctx context.Context, principalID string) (int, error) {
	principal, err := store.Get(ctx, principalID)
	if err != nil {
		return 0, err
	}
	return principal.TokenVersion, nil
}

// BumpTokenVersion increments the version, invalidating outstanding access
// tokens without a revocation list.
func (store *DatabasePrincipalStore) BumpTokenVersion(ctx context.Context, principalID string) (int, error) {
	result := store.db.WithContext(ctx).Model(&principalRow{}).
		Where("principal_id = ?", principalID).
		Update("token_version", gorm.Expr("token_version + 1"))
	if result.Error != nil {
		return 0, fmt.Errorf("principal_store.bump: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("principal_store.bump: %w", ErrPrincipalNotFound)
	}
	return store.TokenVersion(ctx, principalID)
}

// RegisterPassword creates a local-login principal. Used by provisioning
// tooling and tests.
func (store *DatabasePrincipalStore) RegisterPassword(ctx context.Context, username string, password string, displayName string) (Principal, error) {
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if hashErr != nil {
		return Principal{}, fmt.Errorf("principal_store.register: %w", hashErr)
	}
	row := principalRow{
		PrincipalID:  uuid.NewString(),
		Username:     username,
		PasswordHash: string(passwordHash),
		DisplayName:  displayName,
	}
	if createErr := store.db.WithContext(ctx).Create(&row).Error; createErr != nil {
		return Principal{}, fmt.Errorf("principal_store.register: %w", createErr)
	}
	return rowToPrincipal(row), nil
}

func rowToPrincipal(row principalRow) Principal {
	return Principal{
		ID:           row.PrincipalID,
		Username:     row.Username,
		DisplayName:  row.DisplayName,
		Email:        row.Email,
		TokenVersion: row.TokenVersion,
	}
}
