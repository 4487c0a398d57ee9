package evm

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ParseHexKey decodes a hex-encoded secp256k1 private key, with or without 0x.
func ParseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("evm: treasury key empty")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("evm: parse treasury key: %w", err)
	}
	return key, nil
}

// LoadKeystore decrypts a go-ethereum keystore file with passphrase.
func LoadKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	blob, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("evm: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, fmt.Errorf("evm: decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// Address returns the account controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return gethcrypto.PubkeyToAddress(key.PublicKey)
}
