package sources

import "testing"

func TestFieldCipher_RoundTrip(t *testing.T) {
	c, err := newFieldCipher(defaultDevEncryptionKeyHex)
	if err != nil {
		t.Fatalf("newFieldCipher: %v", err)
	}

	ciphertext, err := c.encrypt("Bearer sk-live-abc123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plaintext, err := c.decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "Bearer sk-live-abc123" {
		t.Fatalf("expected round-tripped plaintext, got %q", plaintext)
	}
}

func TestFieldCipher_EmptyPlaintextProducesNilCiphertext(t *testing.T) {
	c, err := newFieldCipher(defaultDevEncryptionKeyHex)
	if err != nil {
		t.Fatalf("newFieldCipher: %v", err)
	}

	ciphertext, err := c.encrypt("")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext != nil {
		t.Fatalf("expected nil ciphertext for empty plaintext")
	}

	plaintext, err := c.decrypt(nil)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "" {
		t.Fatalf("expected empty plaintext for nil ciphertext")
	}
}

func TestFieldCipher_JSONRoundTrip(t *testing.T) {
	c, err := newFieldCipher(defaultDevEncryptionKeyHex)
	if err != nil {
		t.Fatalf("newFieldCipher: %v", err)
	}

	headers := map[string]string{"X-Tenant-Hint": "acme", "X-Trace": "abc"}
	ciphertext, err := c.encryptJSON(headers)
	if err != nil {
		t.Fatalf("encryptJSON: %v", err)
	}

	decoded, err := c.decryptJSON(ciphertext)
	if err != nil {
		t.Fatalf("decryptJSON: %v", err)
	}
	if len(decoded) != len(headers) || decoded["X-Tenant-Hint"] != "acme" {
		t.Fatalf("expected round-tripped headers, got %v", decoded)
	}
}

func TestFieldCipher_DistinctCiphertextsPerCall(t *testing.T) {
	c, err := newFieldCipher(defaultDevEncryptionKeyHex)
	if err != nil {
		t.Fatalf("newFieldCipher: %v", err)
	}

	a, _ := c.encrypt("same-secret")
	b, _ := c.encrypt("same-secret")
	if string(a) == string(b) {
		t.Fatalf("expected distinct ciphertexts across calls due to random nonce")
	}
}
