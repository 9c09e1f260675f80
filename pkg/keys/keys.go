package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

var ErrMnemonicFileMissing = errors.New("mnemonic file missing")

// Ledger selects the derivation branch, using the SLIP-44 coin type of each
// ledger.
type Ledger uint32

const (
	LockLedger   Ledger = 60
	SettleLedger Ledger = 148
)

func (l Ledger) String() string {
	switch l {
	case LockLedger:
		return "lock"
	case SettleLedger:
		return "settle"
	default:
		return fmt.Sprintf("ledger(%d)", uint32(l))
	}
}

type Key struct {
	inner *bip32.Key
}

func (key *Key) ECDSA() (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(key.inner.Key)
}

func (key *Key) EvmAddress() (common.Address, error) {
	ecdsaKey, err := key.ECDSA()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(ecdsaKey.PublicKey), nil
}

// SettleAddress is the identity the settlement ledger knows the key by, the
// hex encoded compressed public key.
func (key *Key) SettleAddress() string {
	return hex.EncodeToString(key.inner.PublicKey().Key)
}

func (key *Key) Address(ledger Ledger) (string, error) {
	switch ledger {
	case LockLedger:
		addr, err := key.EvmAddress()
		if err != nil {
			return "", err
		}
		return addr.Hex(), nil
	case SettleLedger:
		return key.SettleAddress(), nil
	default:
		return "", fmt.Errorf("unsupported ledger %v", ledger)
	}
}

// LoadKey derives m/ledger/account/selector from seed.
func LoadKey(seed []byte, ledger Ledger, account, selector uint32) (*Key, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, idx := range []uint32{uint32(ledger), account, selector} {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to create child key: %v", err)
		}
	}
	return &Key{key}, nil
}

// Keys caches derived keys for one mnemonic.
type Keys struct {
	entropy []byte

	mu *sync.Mutex
	m  map[[32]byte]*Key
}

func NewKeys(entropy []byte) Keys {
	return Keys{
		entropy: entropy,
		mu:      new(sync.Mutex),
		m:       map[[32]byte]*Key{},
	}
}

func FromMnemonic(mnemonic string) (Keys, error) {
	entropy, err := bip39.EntropyFromMnemonic(strings.TrimSpace(mnemonic))
	if err != nil {
		return Keys{}, err
	}
	return NewKeys(entropy), nil
}

func (keys Keys) GetKey(ledger Ledger, account, selector uint32) (*Key, error) {
	mapKey := sha256.Sum256(append(append([]byte{}, keys.entropy...), []byte(fmt.Sprintf("%v_%v_%v", uint32(ledger), account, selector))...))

	keys.mu.Lock()
	defer keys.mu.Unlock()
	value, ok := keys.m[mapKey]
	if !ok {
		var err error
		value, err = LoadKey(keys.entropy, ledger, account, selector)
		if err != nil {
			return nil, err
		}
		keys.m[mapKey] = value
	}
	return value, nil
}

func LoadMnemonic(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrMnemonicFileMissing
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// NewMnemonic generates a 24 word mnemonic and writes it to path.
func NewMnemonic(path string) (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	if path != "" {
		if err := os.WriteFile(path, []byte(mnemonic), 0600); err != nil {
			return "", err
		}
	}
	return mnemonic, nil
}
