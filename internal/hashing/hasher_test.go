package hashing

import (
	"testing"

	"otp-login-service/internal/config"
)

func testHasher() *Hasher {
	cfg := &config.Config{}
	cfg.Hashing.Argon2MemoryCost = 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.Pepper = "test-pepper"
	return NewHasher(cfg)
}

func TestCodeRoundTrip(t *testing.T) {
	h := testHasher()

	result, err := h.HashCode("482913")
	if err != nil {
		t.Fatalf("HashCode: %v", err)
	}
	if result.Hash == "" || result.Salt == "" {
		t.Fatalf("empty result: %+v", result)
	}

	ok, err := h.VerifyCode("482913", result)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if !ok {
		t.Fatal("correct code rejected")
	}

	ok, err = h.VerifyCode("482914", result)
	if err != nil {
		t.Fatalf("VerifyCode wrong code: %v", err)
	}
	if ok {
		t.Fatal("wrong code accepted")
	}
}

func TestSaltsDiffer(t *testing.T) {
	h := testHasher()

	a, err := h.HashCode("123456")
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.HashCode("123456")
	if err != nil {
		t.Fatal(err)
	}
	if a.Salt == b.Salt || a.Hash == b.Hash {
		t.Fatal("same code must hash differently per salt")
	}
}

func TestPepperBindsHash(t *testing.T) {
	h := testHasher()
	result, err := h.HashCode("123456")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Hashing.Argon2MemoryCost = 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.Pepper = "other-pepper"
	other := NewHasher(cfg)

	ok, err := other.VerifyCode("123456", result)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("hash verified under a different pepper")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	h := testHasher()
	if _, err := h.VerifyCode("123456", &HashResult{Hash: "!!!", Salt: "###"}); err == nil {
		t.Fatal("expected error for undecodable hash")
	}
}

func TestIdentifierHashDeterministic(t *testing.T) {
	a := IdentifierHash("+14155552671")
	b := IdentifierHash("+14155552671")
	if a != b {
		t.Fatal("identifier hash must be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
	if a == IdentifierHash("+14155552672") {
		t.Fatal("distinct identifiers collided")
	}
}
