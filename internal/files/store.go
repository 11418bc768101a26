package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the requested revision does not exist.
	ErrNotFound = errors.New("files: revision not found")

	errMissingDatabase   = errors.New("files: database handle is required")
	errMissingIDProvider = errors.New("files: id provider is required")

	noOpLogger = zap.NewNop()
)

// IDProvider issues identifiers for new revisions.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the revision store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns the durable record of every file revision in every vault.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs the revision store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// InsertMetadata records a new revision as the current truth for its path.
// Zero created/modified stamps are filled with the current time. The prior
// newest revision at the same path, if any, loses its newest flag in the
// same transaction. Returns the new revision's identifier.
func (s *Store) InsertMetadata(ctx context.Context, revision Revision) (string, error) {
	now := s.clock().UTC().UnixMilli()
	if revision.Created == 0 {
		revision.Created = now
	}
	if revision.Modified == 0 {
		revision.Modified = now
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("files: id generation failed: %w", err)
	}
	revision.ID = id
	revision.Newest = true
	revision.IsSnapshot = false

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Revision{}).
			Where("vault_id = ? AND path = ? AND newest = ?", revision.VaultID, revision.Path, true).
			Update("newest", false).Error
		if err != nil {
			return fmt.Errorf("files: newest handoff failed: %w", err)
		}
		if err := tx.Create(&revision).Error; err != nil {
			return fmt.Errorf("files: revision insert failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return revision.ID, nil
}

// InsertData attaches or overwrites the binary payload of an existing revision.
func (s *Store) InsertData(ctx context.Context, id string, data []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Revision
		err := tx.Select("id").Where("id = ?", id).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("files: revision lookup failed: %w", err)
		}
		err = tx.Model(&Revision{}).Where("id = ?", id).Update("data", data).Error
		if err != nil {
			return fmt.Errorf("files: payload update failed: %w", err)
		}
		return nil
	})
}

// DeleteFile tombstones every revision at the path, freezing the line as
// history: all rows become deleted snapshots immediately.
func (s *Store) DeleteFile(ctx context.Context, vaultID, path string) error {
	err := s.db.WithContext(ctx).Model(&Revision{}).
		Where("vault_id = ? AND path = ?", vaultID, path).
		Updates(map[string]interface{}{"deleted": true, "is_snapshot": true}).Error
	if err != nil {
		return fmt.Errorf("files: delete failed: %w", err)
	}
	return nil
}

// GetFile returns the revision with the given identifier.
func (s *Store) GetFile(ctx context.Context, id string) (Revision, error) {
	var stored Revision
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Revision{}, ErrNotFound
	}
	if err != nil {
		return Revision{}, fmt.Errorf("files: revision lookup failed: %w", err)
	}
	return stored, nil
}

// GetVaultFiles returns the current working set of the vault: every newest,
// non-deleted revision.
func (s *Store) GetVaultFiles(ctx context.Context, vaultID string) ([]Revision, error) {
	var revisions []Revision
	err := s.db.WithContext(ctx).
		Where("vault_id = ? AND newest = ? AND deleted = ?", vaultID, true, false).
		Find(&revisions).Error
	if err != nil {
		return nil, fmt.Errorf("files: working set query failed: %w", err)
	}
	return revisions, nil
}

// GetFileHistory returns every revision at the path, most recently modified
// first, including tombstones and snapshots.
func (s *Store) GetFileHistory(ctx context.Context, vaultID, path string) ([]Revision, error) {
	var revisions []Revision
	err := s.db.WithContext(ctx).
		Where("vault_id = ? AND path = ?", vaultID, path).
		Order("modified DESC").
		Find(&revisions).Error
	if err != nil {
		return nil, fmt.Errorf("files: history query failed: %w", err)
	}
	return revisions, nil
}

// GetDeletedFiles returns the current tombstone set of the vault.
func (s *Store) GetDeletedFiles(ctx context.Context, vaultID string) ([]Revision, error) {
	var revisions []Revision
	err := s.db.WithContext(ctx).
		Where("vault_id = ? AND newest = ? AND deleted = ?", vaultID, true, true).
		Find(&revisions).Error
	if err != nil {
		return nil, fmt.Errorf("files: tombstone query failed: %w", err)
	}
	return revisions, nil
}

// GetVaultSize returns the byte total across all revisions of the vault.
func (s *Store) GetVaultSize(ctx context.Context, vaultID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Revision{}).
		Where("vault_id = ?", vaultID).
		Select("COALESCE(SUM(size), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("files: size query failed: %w", err)
	}
	return total, nil
}

// RestoreFile clears the deleted flag on the revision and promotes it to
// newest, demoting whatever live revision currently holds the path. The
// returned revision reflects the restored state.
func (s *Store) RestoreFile(ctx context.Context, id string) (Revision, error) {
	var restored Revision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).Take(&restored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("files: revision lookup failed: %w", err)
		}

		err = tx.Model(&Revision{}).
			Where("vault_id = ? AND path = ? AND deleted = ? AND id <> ?", restored.VaultID, restored.Path, false, restored.ID).
			Update("newest", false).Error
		if err != nil {
			return fmt.Errorf("files: newest handoff failed: %w", err)
		}

		err = tx.Model(&Revision{}).Where("id = ?", restored.ID).
			Updates(map[string]interface{}{"deleted": false, "newest": true}).Error
		if err != nil {
			return fmt.Errorf("files: restore update failed: %w", err)
		}
		restored.Deleted = false
		restored.Newest = true
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	return restored, nil
}

// Snapshot compacts the vault's revision log in one transaction: the live
// working set is promoted to snapshot status, superseded working revisions
// that never became snapshots are deleted, and rows that declare a payload
// size but never received their payload are removed. Step order matters:
// the prune predicate relies on the promotion having already run.
func (s *Store) Snapshot(ctx context.Context, vaultID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Revision{}).
			Where("vault_id = ? AND newest = ?", vaultID, true).
			Update("is_snapshot", true).Error
		if err != nil {
			return fmt.Errorf("files: snapshot promotion failed: %w", err)
		}

		err = tx.Where("vault_id = ? AND is_snapshot = ?", vaultID, false).
			Delete(&Revision{}).Error
		if err != nil {
			return fmt.Errorf("files: history prune failed: %w", err)
		}

		// An absent payload lands as either NULL or an empty blob depending
		// on how the row was written; both mean the upload never completed.
		err = tx.Where("vault_id = ? AND size <> 0 AND (data IS NULL OR length(data) = 0)", vaultID).
			Delete(&Revision{}).Error
		if err != nil {
			return fmt.Errorf("files: orphan repair failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("vault compacted", zap.String("vault_id", vaultID))
	return nil
}
