package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("test-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"clone url", "https://github.com/owner/repo.git"},
		{"commit sha", "0123456789abcdef0123456789abcdef01234567"},
		{"unicode", "héllo wörld"},
		{"long", strings.Repeat("x", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := c.Encrypt(tt.value)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if !IsEncrypted(sealed) {
				t.Fatalf("expected envelope prefix, got %q", sealed)
			}
			if strings.Contains(sealed, tt.value) {
				t.Fatal("ciphertext leaks plaintext")
			}

			opened, err := c.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if opened != tt.value {
				t.Fatalf("round trip mismatch: got %q want %q", opened, tt.value)
			}
		})
	}
}

func TestEncryptEmptyAndIdempotent(t *testing.T) {
	c, _ := NewCipher("test-secret")

	sealed, err := c.Encrypt("")
	if err != nil || sealed != "" {
		t.Fatalf("empty string should pass through, got %q err %v", sealed, err)
	}

	once, _ := c.Encrypt("value")
	twice, err := c.Encrypt(once)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if twice != once {
		t.Fatal("encrypting an envelope must be a no-op")
	}
}

func TestEncryptUsesFreshSaltAndNonce(t *testing.T) {
	c, _ := NewCipher("test-secret")

	a, _ := c.Encrypt("same input")
	b, _ := c.Encrypt("same input")
	if a == b {
		t.Fatal("two encryptions of the same value must differ")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	c, _ := NewCipher("test-secret")
	sealed, _ := c.Encrypt("sensitive")

	tests := []struct {
		name  string
		input string
	}{
		{"flipped byte", sealed[:len(sealed)-2] + "AA"},
		{"not base64", "enc:!!!!"},
		{"truncated envelope", "enc:QUJD"},
		{"empty envelope", "enc:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decrypt(tt.input); !errors.Is(err, ErrDecrypt) {
				t.Fatalf("want ErrDecrypt, got %v", err)
			}
		})
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	a, _ := NewCipher("secret-a")
	b, _ := NewCipher("secret-b")

	sealed, _ := a.Encrypt("sensitive")
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("want ErrDecrypt with wrong secret, got %v", err)
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	c, _ := NewCipher("test-secret")

	got, err := c.Decrypt("https://github.com/owner/repo.git")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "https://github.com/owner/repo.git" {
		t.Fatalf("unprefixed value must pass through, got %q", got)
	}
}

func TestNewCipherEmptySecret(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
