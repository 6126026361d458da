package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSealOpen(t *testing.T) {
	v := testVault(t)
	secret := []byte(`{"refresh_token":"abc"}`)

	sealed, err := v.Seal(secret, []byte("user:1"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, secret) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := v.Open(sealed, []byte("user:1"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, secret) {
		t.Fatalf("opened = %s", opened)
	}
}

func TestOpenRejectsWrongAdditionalData(t *testing.T) {
	v := testVault(t)
	sealed, _ := v.Seal([]byte("token"), []byte("user:1"))

	if _, err := v.Open(sealed, []byte("user:2")); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("err = %v", err)
	}
	if _, err := v.Open(sealed[:5], []byte("user:1")); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error")
	}
}
