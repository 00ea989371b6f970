package deviceid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func TestLoadOrCreateIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate() second call error = %v", err)
	}

	if first.Value != second.Value {
		t.Errorf("Value changed across calls: %q != %q", first.Value, second.Value)
	}
	if first.Mnemonic != second.Mnemonic {
		t.Error("mnemonic was regenerated on second call")
	}
}

func TestLoadOrCreatePersistsMnemonicFile(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadOrCreate(dir); err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	path := filepath.Join(dir, mnemonicFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading mnemonic file: %v", err)
	}
	if !bip39.IsMnemonicValid(string(data)) {
		t.Error("persisted mnemonic file does not contain a valid mnemonic")
	}
}
