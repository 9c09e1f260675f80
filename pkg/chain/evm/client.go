package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Backend is what the client needs from a node; *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type Options struct {
	ChainID     *big.Int
	FactoryAddr common.Address
}

func NewOptions(chainID *big.Int, factory common.Address) Options {
	return Options{
		ChainID:     chainID,
		FactoryAddr: factory,
	}
}

func OptionsLocalnet(factory common.Address) Options {
	return NewOptions(big.NewInt(1337), factory)
}

// Client is a lock chain backed by the HTLC factory contract. Transactions
// from one client are sent one at a time with a locally tracked nonce.
type Client interface {
	chain.LockChain

	Address() common.Address
}

type client struct {
	options  Options
	key      *ecdsa.PrivateKey
	backend  Backend
	contract *bind.BoundContract
	logger   *zap.Logger

	mu    *sync.Mutex
	addr  common.Address
	nonce uint64
}

func NewClient(options Options, key *ecdsa.PrivateKey, backend Backend, logger *zap.Logger) (Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parsed, err := abi.JSON(strings.NewReader(FactoryABI))
	if err != nil {
		return nil, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c := &client{
		options:  options,
		key:      key,
		backend:  backend,
		contract: bind.NewBoundContract(options.FactoryAddr, parsed, backend, backend, backend),
		logger:   logger.With(zap.String("signer", addr.Hex())),
		mu:       new(sync.Mutex),
		addr:     addr,
	}

	// Get the pending nonce, and we'll manually manage the nonce with the client.
	c.nonce, err = backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Address() common.Address {
	return c.addr
}

func (c *client) LockFunds(ctx context.Context, req chain.LockRequest) (string, error) {
	if time.Now().After(req.Timelock) {
		return "", chain.ErrExpired
	}
	id, err := parseSwapID(req.SwapID)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(req.Recipient) {
		return "", fmt.Errorf("invalid recipient %q", req.Recipient)
	}
	return c.send(ctx, req.Amount, "createSwap",
		id,
		common.HexToAddress(req.Recipient),
		req.HashLock,
		big.NewInt(req.Timelock.Unix()),
		big.NewInt(int64(req.Units)))
}

func (c *client) ClaimSlot(ctx context.Context, swapID string, index int, preimage []byte) (string, error) {
	if len(preimage) != 32 {
		return "", chain.ErrInvalidPreimage
	}
	id, err := parseSwapID(swapID)
	if err != nil {
		return "", err
	}
	var secret [32]byte
	copy(secret[:], preimage)
	return c.send(ctx, nil, "claimContract", id, big.NewInt(int64(index)), secret)
}

func (c *client) Refund(ctx context.Context, swapID string) (string, error) {
	id, err := parseSwapID(swapID)
	if err != nil {
		return "", err
	}
	return c.send(ctx, nil, "refund", id)
}

func (c *client) send(ctx context.Context, value *big.Int, method string, args ...interface{}) (string, error) {
	tx, err := c.submit(ctx, value, method, args...)
	if err != nil {
		return "", err
	}
	c.logger.Debug("submitted", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))

	// Wait for the tx to be mined
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return "", classify(err)
	}
	// Check if transaction has been reverted
	if receipt.Status == types.ReceiptStatusFailed {
		return "", fmt.Errorf("tx reverted, hash = %v", receipt.TxHash.Hex())
	}
	return tx.Hash().Hex(), nil
}

func (c *client) submit(ctx context.Context, value *big.Int, method string, args ...interface{}) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	transactor, err := c.transactor(ctx)
	if err != nil {
		return nil, err
	}
	transactor.Value = value

	tx, err := c.contract.Transact(transactor, method, args...)
	if err != nil {
		if strings.Contains(err.Error(), "nonce too low") {
			if inErr := c.calibrateNonce(); inErr != nil {
				return nil, fmt.Errorf("%v failed = %v, reset nonce failed = %v", method, err, inErr)
			}
		}
		return nil, classify(err)
	}
	c.nonce++
	return tx, nil
}

func (c *client) calibrateNonce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nonce, err := c.backend.PendingNonceAt(ctx, c.addr)
	if err != nil {
		return err
	}
	c.nonce = nonce
	return nil
}

func (c *client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	transactor, err := bind.NewKeyedTransactorWithChainID(c.key, c.options.ChainID)
	if err != nil {
		return nil, err
	}
	transactor.Nonce = new(big.Int).SetUint64(c.nonce)
	transactor.Context = ctx
	return transactor, nil
}

func parseSwapID(id string) (common.Hash, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(id, "0x"))
	if err != nil || len(raw) != 32 {
		return common.Hash{}, fmt.Errorf("invalid swap id %q", id)
	}
	return common.BytesToHash(raw), nil
}
