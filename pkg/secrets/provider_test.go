package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("proxmox_token_id=ops@pve!labforge\nproxmox_secret=abc123\n")

	ciphertext, err := Encrypt(plaintext, "hunter2")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	path := filepath.Join(t.TempDir(), "secrets.enc")
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	provider, err := NewEncryptedFileProvider(path, "hunter2")
	if err != nil {
		t.Fatalf("NewEncryptedFileProvider failed: %v", err)
	}

	got, err := provider.Get("proxmox_token_id")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "ops@pve!labforge" {
		t.Errorf("unexpected value %q", got)
	}
}

func TestEncryptedFileWrongPassphrase(t *testing.T) {
	ciphertext, err := Encrypt([]byte("k=v\n"), "right")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "secrets.enc")
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewEncryptedFileProvider(path, "wrong"); err == nil {
		t.Fatal("expected decryption failure with wrong passphrase")
	}
}

func TestEncryptRejectsEmptyInputs(t *testing.T) {
	if _, err := Encrypt(nil, "p"); err == nil {
		t.Error("expected error for empty plaintext")
	}
	if _, err := Encrypt([]byte("x"), ""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "# comment line\n\nproxmox_token_id = ops@pve!labforge\nPROXMOX_SECRET=s3cret\nmalformed line\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	provider, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}

	// Keys are case-insensitive and values trimmed.
	got, err := provider.Get("PROXMOX_TOKEN_ID")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "ops@pve!labforge" {
		t.Errorf("unexpected value %q", got)
	}

	if _, err := provider.Get("missing"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("LABFORGE_PROXMOX_SECRET", "from-env")

	provider := &EnvProvider{Prefix: "LABFORGE_"}
	got, err := provider.Get("proxmox_secret")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "from-env" {
		t.Errorf("unexpected value %q", got)
	}

	if _, err := provider.Get("unset_key"); err == nil {
		t.Error("expected error for unset variable")
	}
}
