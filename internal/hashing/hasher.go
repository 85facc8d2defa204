package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"otp-login-service/internal/config"
	"otp-login-service/internal/util"

	"golang.org/x/crypto/argon2"
)

var ErrInvalidHash = errors.New("invalid hash format")

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher derives argon2id hashes for OTP codes and placeholder
// passwords. A server-side pepper is mixed in so a leaked table alone
// is not brute-forceable.
type Hasher struct {
	params Argon2Params
	pepper string
}

// HashResult carries a hash with its per-item salt. Both fields are
// base64 raw-URL encoded.
type HashResult struct {
	Hash string
	Salt string
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	pepper := cfg.Hashing.Pepper
	if pepper == "" {
		// No configured pepper: generate an ephemeral one. Hashes
		// will not verify across restarts, which is acceptable for
		// short-lived OTP rows but logged loudly.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			util.Fatal("Failed to generate pepper", util.ErrorField(err))
		}
		pepper = base64.RawURLEncoding.EncodeToString(buf)
		util.Warn("HASH_PEPPER not set, using ephemeral pepper")
	}

	return &Hasher{params: params, pepper: pepper}
}

// IdentifierHash returns the deterministic lookup hash for a login
// identifier. Unsalted on purpose: it is the key of the identifier
// lookup tables.
func IdentifierHash(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// HashCode hashes an OTP code with a fresh random salt.
func (h *Hasher) HashCode(code string) (*HashResult, error) {
	return h.hash(code, "otp")
}

// HashPassword hashes a placeholder account credential.
func (h *Hasher) HashPassword(password string) (*HashResult, error) {
	return h.hash(password, "password")
}

func (h *Hasher) hash(data, context string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context string prevents hash reuse between purposes.
	hash := argon2.IDKey(
		[]byte(data+h.pepper+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash: base64.RawURLEncoding.EncodeToString(hash),
		Salt: base64.RawURLEncoding.EncodeToString(salt),
	}, nil
}

// VerifyCode reports whether code matches the stored hash, in constant
// time over the hash bytes.
func (h *Hasher) VerifyCode(code string, stored *HashResult) (bool, error) {
	return h.verify(code, stored, "otp")
}

func (h *Hasher) verify(data string, stored *HashResult, context string) (bool, error) {
	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+h.pepper+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
