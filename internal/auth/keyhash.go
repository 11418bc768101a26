package auth

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters expected by sync clients when deriving vault keys.
const (
	scryptCost        = 32768
	scryptBlockSize   = 8
	scryptParallelism = 1
	scryptKeyLength   = 32
)

// DeriveVaultKey derives the 32-byte vault key from the vault password and salt.
func DeriveVaultKey(password, salt string) ([]byte, error) {
	return scrypt.Key([]byte(password), []byte(salt), scryptCost, scryptBlockSize, scryptParallelism, scryptKeyLength)
}

// MakeKeyHash returns the hex SHA-256 digest of the derived vault key. Clients
// present this hash during the sync handshake to prove vault access.
func MakeKeyHash(password, salt string) (string, error) {
	key, err := DeriveVaultKey(password, salt)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(key)
	return hex.EncodeToString(digest[:]), nil
}

// HashPassword hashes an account password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the stored bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
