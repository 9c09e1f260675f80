package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/fusion/pkg/coordinator"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CoreConfig is what a method runs against. Resolver is set on calls
// authenticated with a resolver token.
type CoreConfig struct {
	Coordinator coordinator.Coordinator
	Logger      *zap.Logger
	Resolver    string
}

type Method interface {
	Name() string
	Query(ctx context.Context, cfg CoreConfig, params json.RawMessage) (interface{}, error)
}

type method[P any] struct {
	name  string
	query func(ctx context.Context, cfg CoreConfig, params P) (interface{}, error)
}

func (m method[P]) Name() string {
	return m.name
}

func (m method[P]) Query(ctx context.Context, cfg CoreConfig, raw json.RawMessage) (interface{}, error) {
	var params P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("%v: %w", err, coordinator.ErrInvalidRequest)
		}
	}
	return m.query(ctx, cfg, params)
}

type StartSwapParams struct {
	Direction    swap.Direction `json:"direction"`
	Initiator    string         `json:"initiator"`
	Recipient    string         `json:"recipient"`
	LockAmount   string         `json:"lockAmount"`
	SettleAmount string         `json:"settleAmount"`
	HashLock     string         `json:"hashLock"`
	Timelock     int64          `json:"timelock"`
}

type SwapParams struct {
	SwapID string `json:"swapId"`
}

type ConfirmLockParams struct {
	SwapID  string `json:"swapId"`
	LockRef string `json:"lockRef"`
}

type BidParams struct {
	SwapID     string `json:"swapId"`
	ResolverID string `json:"resolverId,omitempty"`
	Percent    int    `json:"percent"`
	Limit      string `json:"limit,omitempty"`
}

type EscrowParams struct {
	SwapID    string `json:"swapId"`
	Slots     []int  `json:"slots"`
	EscrowRef string `json:"escrowRef"`
}

type SecretParams struct {
	SwapID string `json:"swapId"`
	Secret string `json:"secret,omitempty"`
}

type HistoryParams struct {
	Address string `json:"address"`
}

type StartSwapResult struct {
	SwapID string `json:"swapId"`
}

type RefResult struct {
	Refs []string `json:"refs"`
}

func OperatorMethods() []Method {
	return []Method{
		StartSwap(),
		ConfirmLock(),
		GetSwapStatus(),
		GetAuctionStatus(),
		ListAuctions(),
		SubmitBid(),
		ConfirmEscrow(),
		ClaimSettlement(),
		Refund(),
		RetryClaims(),
		History(),
		Resolvers(),
		ResolverStats(),
	}
}

func ResolverMethods() []Method {
	return []Method{
		GetSwapStatus(),
		GetAuctionStatus(),
		ListAuctions(),
		SubmitBid(),
		ConfirmEscrow(),
	}
}

func StartSwap() Method {
	return method[StartSwapParams]{
		name: "startSwap",
		query: func(ctx context.Context, cfg CoreConfig, params StartSwapParams) (interface{}, error) {
			lockAmount, ok := new(big.Int).SetString(params.LockAmount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid lock amount %q: %w", params.LockAmount, coordinator.ErrInvalidRequest)
			}
			settleAmount, ok := new(big.Int).SetString(params.SettleAmount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid settle amount %q: %w", params.SettleAmount, coordinator.ErrInvalidRequest)
			}
			hashLock, err := hexutil.Decode(params.HashLock)
			if err != nil || len(hashLock) != common.HashLength {
				return nil, fmt.Errorf("invalid hash lock %q: %w", params.HashLock, coordinator.ErrInvalidRequest)
			}
			id, err := cfg.Coordinator.StartSwap(ctx, coordinator.StartRequest{
				Direction:    params.Direction,
				Initiator:    params.Initiator,
				Recipient:    params.Recipient,
				LockAmount:   lockAmount,
				SettleAmount: settleAmount,
				HashLock:     common.BytesToHash(hashLock),
				Timelock:     time.Unix(params.Timelock, 0),
			})
			if err != nil {
				return nil, err
			}
			return StartSwapResult{SwapID: id}, nil
		},
	}
}

func ConfirmLock() Method {
	return method[ConfirmLockParams]{
		name: "confirmLock",
		query: func(ctx context.Context, cfg CoreConfig, params ConfirmLockParams) (interface{}, error) {
			if err := cfg.Coordinator.ConfirmLock(ctx, params.SwapID, params.LockRef); err != nil {
				return nil, err
			}
			return cfg.Coordinator.GetSwapStatus(ctx, params.SwapID)
		},
	}
}

func GetSwapStatus() Method {
	return method[SwapParams]{
		name: "getSwapStatus",
		query: func(ctx context.Context, cfg CoreConfig, params SwapParams) (interface{}, error) {
			return cfg.Coordinator.GetSwapStatus(ctx, params.SwapID)
		},
	}
}

func GetAuctionStatus() Method {
	return method[SwapParams]{
		name: "getAuctionStatus",
		query: func(ctx context.Context, cfg CoreConfig, params SwapParams) (interface{}, error) {
			return cfg.Coordinator.GetAuctionStatus(params.SwapID)
		},
	}
}

func ListAuctions() Method {
	return method[struct{}]{
		name: "listAuctions",
		query: func(ctx context.Context, cfg CoreConfig, _ struct{}) (interface{}, error) {
			return cfg.Coordinator.ActiveAuctions(), nil
		},
	}
}

// SubmitBid bids for the caller when a resolver token is used, otherwise for
// the resolver named in the params.
func SubmitBid() Method {
	return method[BidParams]{
		name: "submitBid",
		query: func(ctx context.Context, cfg CoreConfig, params BidParams) (interface{}, error) {
			resolverID := params.ResolverID
			if cfg.Resolver != "" {
				resolverID = cfg.Resolver
			}
			limit := decimal.Zero
			if params.Limit != "" {
				var err error
				if limit, err = decimal.NewFromString(params.Limit); err != nil {
					return nil, fmt.Errorf("invalid limit %q: %w", params.Limit, coordinator.ErrInvalidRequest)
				}
			}
			return cfg.Coordinator.SubmitBid(ctx, params.SwapID, resolverID, params.Percent, limit)
		},
	}
}

func ConfirmEscrow() Method {
	return method[EscrowParams]{
		name: "confirmEscrow",
		query: func(ctx context.Context, cfg CoreConfig, params EscrowParams) (interface{}, error) {
			if cfg.Resolver != "" {
				if err := ownsSlots(ctx, cfg, params.SwapID, params.Slots); err != nil {
					return nil, err
				}
			}
			if err := cfg.Coordinator.ConfirmEscrow(ctx, params.SwapID, params.Slots, params.EscrowRef); err != nil {
				return nil, err
			}
			return cfg.Coordinator.GetSwapStatus(ctx, params.SwapID)
		},
	}
}

func ownsSlots(ctx context.Context, cfg CoreConfig, swapID string, indices []int) error {
	status, err := cfg.Coordinator.GetSwapStatus(ctx, swapID)
	if err != nil {
		return err
	}
	for _, index := range indices {
		if index < 0 || index >= len(status.Slots) || status.Slots[index].Owner != cfg.Resolver {
			return fmt.Errorf("slot %d is not held by %v: %w", index, cfg.Resolver, coordinator.ErrInvalidRequest)
		}
	}
	return nil
}

func ClaimSettlement() Method {
	return method[SecretParams]{
		name: "claimSettlement",
		query: func(ctx context.Context, cfg CoreConfig, params SecretParams) (interface{}, error) {
			secret, err := decodeSecret(params.Secret)
			if err != nil {
				return nil, err
			}
			refs, err := cfg.Coordinator.ClaimSettlement(ctx, params.SwapID, secret)
			if err != nil {
				return nil, err
			}
			return RefResult{Refs: refs}, nil
		},
	}
}

func Refund() Method {
	return method[SwapParams]{
		name: "refund",
		query: func(ctx context.Context, cfg CoreConfig, params SwapParams) (interface{}, error) {
			ref, err := cfg.Coordinator.Refund(ctx, params.SwapID)
			if err != nil {
				return nil, err
			}
			return RefResult{Refs: []string{ref}}, nil
		},
	}
}

func RetryClaims() Method {
	return method[SecretParams]{
		name: "retryClaims",
		query: func(ctx context.Context, cfg CoreConfig, params SecretParams) (interface{}, error) {
			var secret []byte
			if params.Secret != "" {
				var err error
				if secret, err = decodeSecret(params.Secret); err != nil {
					return nil, err
				}
			}
			if err := cfg.Coordinator.RetryClaims(ctx, params.SwapID, secret); err != nil {
				return nil, err
			}
			return cfg.Coordinator.GetSwapStatus(ctx, params.SwapID)
		},
	}
}

func History() Method {
	return method[HistoryParams]{
		name: "history",
		query: func(ctx context.Context, cfg CoreConfig, params HistoryParams) (interface{}, error) {
			if params.Address == "" {
				return nil, fmt.Errorf("missing address: %w", coordinator.ErrInvalidRequest)
			}
			return cfg.Coordinator.History(ctx, params.Address)
		},
	}
}

func Resolvers() Method {
	return method[struct{}]{
		name: "resolvers",
		query: func(ctx context.Context, cfg CoreConfig, _ struct{}) (interface{}, error) {
			return cfg.Coordinator.Resolvers(), nil
		},
	}
}

func ResolverStats() Method {
	return method[SwapParams]{
		name: "resolverStats",
		query: func(ctx context.Context, cfg CoreConfig, params SwapParams) (interface{}, error) {
			return cfg.Coordinator.ResolverStats(ctx, params.SwapID)
		},
	}
}

func decodeSecret(secret string) ([]byte, error) {
	data, err := hexutil.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret: %w", coordinator.ErrInvalidRequest)
	}
	return data, nil
}
