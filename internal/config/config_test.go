package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("expected default database path, got %q", cfg.DatabasePath)
	}
	if cfg.MaxStorageBytes != defaultMaxStorageGB*bytesPerGigabyte {
		t.Fatalf("expected default storage ceiling, got %d", cfg.MaxStorageBytes)
	}
	if cfg.HostName != defaultHostName {
		t.Fatalf("expected default host name, got %q", cfg.HostName)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil {
		t.Fatal("expected error for missing signing secret")
	}
}

func TestLoadRejectsZeroStorageCeiling(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("storage.max_gb", 0)

	if _, err := Load(configViper); err == nil {
		t.Fatal("expected error for zero storage ceiling")
	}
}
