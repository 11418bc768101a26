package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xcnick/ob-sync/internal/auth"
)

var (
	// ErrNotFound indicates the requested vault, account, or share does not exist.
	ErrNotFound = errors.New("vault: not found")
	// ErrInvalidCredentials indicates a failed email/password login.
	ErrInvalidCredentials = errors.New("vault: invalid email or password")

	errMissingDatabase = errors.New("vault: database handle is required")
	errMissingEmail    = errors.New("vault: account email is required")
	errMissingName     = errors.New("vault: name is required")

	noOpLogger = zap.NewNop()
)

// ServiceConfig describes the dependencies of the account and vault directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Host     string
	Logger   *zap.Logger
}

// Service manages accounts, vaults, and shares, and owns the vault version counter.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	host   string
	logger *zap.Logger
}

// NewService constructs the vault directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		host:   cfg.Host,
		logger: logger,
	}, nil
}

// Signup registers an account. Registering an existing email returns the
// stored account unchanged.
func (s *Service) Signup(ctx context.Context, name, email, password string) (Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Account{}, errMissingEmail
	}

	var existing Account
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("vault: account lookup failed: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return Account{}, fmt.Errorf("vault: password hash failed: %w", err)
	}
	account := Account{
		Name:     name,
		Email:    email,
		Password: hash,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return Account{}, fmt.Errorf("vault: account create failed: %w", err)
	}
	s.logger.Info("account created", zap.String("email", email))
	return account, nil
}

// Login verifies an email/password pair and returns the account.
func (s *Service) Login(ctx context.Context, email, password string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, fmt.Errorf("vault: account lookup failed: %w", err)
	}
	if !auth.CheckPassword(password, account.Password) {
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// UserInfo returns the account registered under the given email.
func (s *Service) UserInfo(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("vault: account lookup failed: %w", err)
	}
	return account, nil
}

// CreateVault creates a vault owned by the given account. Creating a vault
// with a name the owner already uses returns the stored vault unchanged.
// When keyhash is blank it is derived from the vault password and salt.
func (s *Service) CreateVault(ctx context.Context, name, userEmail, password, salt, keyhash string) (Vault, error) {
	if strings.TrimSpace(name) == "" {
		return Vault{}, errMissingName
	}
	if strings.TrimSpace(userEmail) == "" {
		return Vault{}, errMissingEmail
	}

	var existing Vault
	err := s.db.WithContext(ctx).
		Where("name = ? AND user_email = ?", name, userEmail).
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Vault{}, fmt.Errorf("vault: vault lookup failed: %w", err)
	}

	if keyhash == "" {
		keyhash, err = auth.MakeKeyHash(password, salt)
		if err != nil {
			return Vault{}, fmt.Errorf("vault: keyhash derivation failed: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Vault{}, fmt.Errorf("vault: id generation failed: %w", err)
	}
	created := Vault{
		ID:        id.String(),
		UserEmail: userEmail,
		Created:   s.clock().UTC().UnixMilli(),
		Host:      s.host,
		Name:      name,
		Password:  password,
		Salt:      salt,
		Version:   0,
		KeyHash:   keyhash,
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		return Vault{}, fmt.Errorf("vault: vault create failed: %w", err)
	}
	s.logger.Info("vault created", zap.String("vault_id", created.ID), zap.String("owner", userEmail))
	return created, nil
}

// GetVault returns the vault matching both identifier and key hash.
func (s *Service) GetVault(ctx context.Context, id, keyhash string) (Vault, error) {
	var stored Vault
	err := s.db.WithContext(ctx).
		Where("id = ? AND keyhash = ?", id, keyhash).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Vault{}, ErrNotFound
	}
	if err != nil {
		return Vault{}, fmt.Errorf("vault: vault lookup failed: %w", err)
	}
	return stored, nil
}

// GetVaults lists the vaults owned by the given account.
func (s *Service) GetVaults(ctx context.Context, email string) ([]Vault, error) {
	var vaults []Vault
	if err := s.db.WithContext(ctx).Where("user_email = ?", email).Find(&vaults).Error; err != nil {
		return nil, fmt.Errorf("vault: vault list failed: %w", err)
	}
	return vaults, nil
}

// DeleteVault removes a vault owned by the given account.
func (s *Service) DeleteVault(ctx context.Context, id, email string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND user_email = ?", id, email).Delete(&Vault{})
	if result.Error != nil {
		return fmt.Errorf("vault: vault delete failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVaultVersion records a new change-generation counter for the vault.
func (s *Service) SetVaultVersion(ctx context.Context, id string, version int64) error {
	result := s.db.WithContext(ctx).Model(&Vault{}).Where("id = ?", id).Update("version", version)
	if result.Error != nil {
		return fmt.Errorf("vault: version update failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ShareInvite grants the given email access to a vault.
func (s *Service) ShareInvite(ctx context.Context, email, name, vaultID string) (Share, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Share{}, fmt.Errorf("vault: id generation failed: %w", err)
	}
	share := Share{
		ID:       id.String(),
		Email:    email,
		Name:     name,
		VaultID:  vaultID,
		Accepted: true,
	}
	if err := s.db.WithContext(ctx).Create(&share).Error; err != nil {
		return Share{}, fmt.Errorf("vault: share create failed: %w", err)
	}
	return share, nil
}

// ShareRevoke removes a share by share id when provided, otherwise by email.
// It returns the number of shares removed.
func (s *Service) ShareRevoke(ctx context.Context, shareID, vaultID, email string) (int64, error) {
	query := s.db.WithContext(ctx)
	if shareID != "" {
		query = query.Where("id = ? AND vault_id = ?", shareID, vaultID)
	} else {
		query = query.Where("email = ? AND vault_id = ?", email, vaultID)
	}
	result := query.Delete(&Share{})
	if result.Error != nil {
		return 0, fmt.Errorf("vault: share delete failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// VaultShares lists the shares granted on a vault.
func (s *Service) VaultShares(ctx context.Context, vaultID string) ([]Share, error) {
	var shares []Share
	if err := s.db.WithContext(ctx).Where("vault_id = ?", vaultID).Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("vault: share list failed: %w", err)
	}
	return shares, nil
}

// SharedVaults lists the vaults shared with the given email.
func (s *Service) SharedVaults(ctx context.Context, email string) ([]Vault, error) {
	var vaults []Vault
	err := s.db.WithContext(ctx).
		Joins("JOIN shares ON shares.vault_id = vaults.id").
		Where("shares.email = ?", email).
		Find(&vaults).Error
	if err != nil {
		return nil, fmt.Errorf("vault: shared vault list failed: %w", err)
	}
	return vaults, nil
}

// IsVaultOwner reports whether the email owns the vault.
func (s *Service) IsVaultOwner(ctx context.Context, vaultID, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Vault{}).
		Where("id = ? AND user_email = ?", vaultID, email).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("vault: owner lookup failed: %w", err)
	}
	return count > 0, nil
}

// HasAccess reports whether the email owns the vault or holds a share on it.
func (s *Service) HasAccess(ctx context.Context, vaultID, email string) (bool, error) {
	owner, err := s.IsVaultOwner(ctx, vaultID, email)
	if err != nil {
		return false, err
	}
	if owner {
		return true, nil
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&Share{}).
		Where("vault_id = ? AND email = ?", vaultID, email).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("vault: share lookup failed: %w", err)
	}
	return count > 0, nil
}
