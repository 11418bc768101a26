package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/xcnick/ob-sync/internal/auth"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Account{}, &Vault{}, &Share{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.UnixMilli(1700000000000) },
		Host:     "localhost:3000",
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestSignupIsIdempotentPerEmail(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first, err := service.Signup(ctx, "Alice", "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.Signup(ctx, "Someone Else", "alice@example.com", "other")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Name != first.Name || second.Password != first.Password {
		t.Fatalf("expected repeated signup to return the stored account, got %#v", second)
	}
}

func TestLoginVerifiesPassword(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Signup(ctx, "Alice", "alice@example.com", "hunter2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	account, err := service.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.Email != "alice@example.com" {
		t.Fatalf("unexpected account: %#v", account)
	}

	if _, err := service.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := service.Login(ctx, "nobody@example.com", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown account, got %v", err)
	}
}

func TestCreateVaultDerivesKeyHash(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateVault(ctx, "notes", "alice@example.com", "vault-pass", "vault-salt", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected, err := auth.MakeKeyHash("vault-pass", "vault-salt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.KeyHash != expected {
		t.Fatalf("expected derived keyhash %q, got %q", expected, created.KeyHash)
	}
	if created.Host != "localhost:3000" {
		t.Fatalf("expected configured host, got %q", created.Host)
	}
	if created.Version != 0 {
		t.Fatalf("expected new vault at version 0, got %d", created.Version)
	}

	again, err := service.CreateVault(ctx, "notes", "alice@example.com", "vault-pass", "vault-salt", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != created.ID {
		t.Fatal("expected repeated create to return the stored vault")
	}
}

func TestGetVaultRequiresMatchingKeyHash(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateVault(ctx, "notes", "alice@example.com", "vault-pass", "vault-salt", "hash-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.GetVault(ctx, created.ID, "hash-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.GetVault(ctx, created.ID, "wrong-hash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for mismatched keyhash, got %v", err)
	}
}

func TestSetVaultVersion(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateVault(ctx, "notes", "alice@example.com", "p", "s", "h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.SetVaultVersion(ctx, created.ID, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := service.GetVault(ctx, created.ID, "h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Version != 7 {
		t.Fatalf("expected version 7, got %d", stored.Version)
	}

	if err := service.SetVaultVersion(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestShareGrantsAccess(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateVault(ctx, "notes", "alice@example.com", "p", "s", "h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	owner, err := service.HasAccess(ctx, created.ID, "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !owner {
		t.Fatal("expected owner to have access")
	}

	guest, err := service.HasAccess(ctx, created.ID, "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if guest {
		t.Fatal("expected stranger to have no access")
	}

	share, err := service.ShareInvite(ctx, "bob@example.com", "notes", created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	guest, err = service.HasAccess(ctx, created.ID, "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !guest {
		t.Fatal("expected invited account to have access")
	}

	shared, err := service.SharedVaults(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shared) != 1 || shared[0].ID != created.ID {
		t.Fatalf("expected shared vault listing, got %#v", shared)
	}

	removed, err := service.ShareRevoke(ctx, share.ID, created.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one share removed, got %d", removed)
	}

	guest, err = service.HasAccess(ctx, created.ID, "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if guest {
		t.Fatal("expected access revoked")
	}
}

func TestDeleteVaultScopedToOwner(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.CreateVault(ctx, "notes", "alice@example.com", "p", "s", "h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.DeleteVault(ctx, created.ID, "bob@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner delete, got %v", err)
	}
	if err := service.DeleteVault(ctx, created.ID, "alice@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vaults, err := service.GetVaults(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vaults) != 0 {
		t.Fatalf("expected no vaults after delete, got %#v", vaults)
	}
}
