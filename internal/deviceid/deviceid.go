// Package deviceid derives a stable per-installation identifier using the
// same BIP39/BIP32 machinery the teacher repo uses for chain wallets
// (internal/wallet), repurposed here for a purpose that has nothing to do
// with signing transactions: ledgerd has no cryptographic wire protocol
// (spec.md's Non-goals explicitly exclude log integrity), but a stable
// device id is useful for the server to distinguish multi-device pushes and
// for diagnostics. It is sent as the X-Device-Id header and logged at
// startup; the admin API does not expose it.
package deviceid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

const mnemonicFile = "device.mnemonic"

// derivation path purpose/coin/account/change/index for the single device
// identity key. Purpose, coin type and account are hardened; change and
// address index are not, mirroring the teacher's DeriveKey path shape.
const (
	purpose  = 44
	coinType = 0
	account  = 0
	change   = 0
	index    = 0
)

// ID is a stable per-installation identifier, derived once and cached on
// disk as a mnemonic so it survives process restarts.
type ID struct {
	Mnemonic string
	Value    string // lowercase hex, derived from the device's public key
}

// LoadOrCreate reads dataDir/device.mnemonic, generating and persisting a
// new 24-word mnemonic on first run.
func LoadOrCreate(dataDir string) (*ID, error) {
	path := filepath.Join(dataDir, mnemonicFile)

	data, err := os.ReadFile(path)
	if err == nil {
		return fromMnemonic(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("deviceid: read %s: %w", path, err)
	}

	mnemonic, err := generateMnemonic()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("deviceid: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(mnemonic), 0600); err != nil {
		return nil, fmt.Errorf("deviceid: write %s: %w", path, err)
	}

	return fromMnemonic(mnemonic)
}

func generateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("deviceid: generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("deviceid: generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

func fromMnemonic(mnemonic string) (*ID, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("deviceid: invalid stored mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("deviceid: derive master key: %w", err)
	}

	key, err := derive(master, purpose, coinType, account, change, index)
	if err != nil {
		return nil, err
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("deviceid: derive public key: %w", err)
	}

	sum := sha256.Sum256(pub.SerializeCompressed())
	return &ID{
		Mnemonic: mnemonic,
		Value:    hex.EncodeToString(sum[:16]),
	}, nil
}

func derive(master *hdkeychain.ExtendedKey, purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	purposeKey, err := master.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, fmt.Errorf("deviceid: derive purpose: %w", err)
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, fmt.Errorf("deviceid: derive coin: %w", err)
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, fmt.Errorf("deviceid: derive account: %w", err)
	}
	changeKey, err := accountKey.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("deviceid: derive change: %w", err)
	}
	addressKey, err := changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("deviceid: derive index: %w", err)
	}
	return addressKey, nil
}
