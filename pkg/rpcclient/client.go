package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/coordinator"
	"github.com/catalogfi/fusion/pkg/rpc"
	"github.com/catalogfi/fusion/pkg/swap"
)

type Client interface {
	StartSwap(ctx context.Context, params rpc.StartSwapParams) (string, error)
	ConfirmLock(ctx context.Context, swapID, lockRef string) (coordinator.SwapStatus, error)
	GetSwapStatus(ctx context.Context, swapID string) (coordinator.SwapStatus, error)
	GetAuctionStatus(ctx context.Context, swapID string) (auction.State, error)
	ListAuctions(ctx context.Context) ([]string, error)
	SubmitBid(ctx context.Context, params rpc.BidParams) (auction.Bid, error)
	ConfirmEscrow(ctx context.Context, params rpc.EscrowParams) (coordinator.SwapStatus, error)
	ClaimSettlement(ctx context.Context, swapID, secret string) ([]string, error)
	Refund(ctx context.Context, swapID string) (string, error)
	RetryClaims(ctx context.Context, swapID, secret string) (coordinator.SwapStatus, error)
	History(ctx context.Context, address string) (coordinator.History, error)
	Resolvers(ctx context.Context) ([]swap.ResolverProfile, error)
	ResolverStats(ctx context.Context, swapID string) ([]coordinator.ResolverStat, error)
}

type client struct {
	url   string
	auth  func(req *http.Request)
	httpc *http.Client
}

// NewClient talks to the operator endpoint with basic auth.
func NewClient(url, username, password string) Client {
	return &client{
		url: url,
		auth: func(req *http.Request) {
			req.SetBasicAuth(username, password)
		},
		httpc: http.DefaultClient,
	}
}

// NewResolverClient talks to the resolver endpoint with a token issued by
// the sign in flow. Only resolver methods are served there.
func NewResolverClient(url, token string) Client {
	return &client{
		url: url + "/resolver",
		auth: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		},
		httpc: http.DefaultClient,
	}
}

// SendPostRequest sends a JSON-RPC call and returns the result field, or the
// error field as an *rpc.Error.
func (c *client) SendPostRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	payload, err := json.Marshal(rpc.Request{
		Version: "2.0",
		ID:      1,
		Method:  method,
		Params:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading json reply: %v", err)
	}

	var rpcResp rpc.Response
	decodeErr := json.Unmarshal(body, &rpcResp)
	if decodeErr == nil && rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) == 0 {
			return nil, fmt.Errorf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return nil, fmt.Errorf("%d %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("error decoding json reply: %w", decodeErr)
	}
	if rpcResp.Result == nil {
		return json.RawMessage("null"), nil
	}
	return rpcResp.Result, nil
}

func call[T any](ctx context.Context, c *client, method string, params interface{}) (T, error) {
	var result T
	data, err := c.SendPostRequest(ctx, method, params)
	if err != nil {
		return result, fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return result, nil
}

func (c *client) StartSwap(ctx context.Context, params rpc.StartSwapParams) (string, error) {
	result, err := call[rpc.StartSwapResult](ctx, c, "startSwap", params)
	return result.SwapID, err
}

func (c *client) ConfirmLock(ctx context.Context, swapID, lockRef string) (coordinator.SwapStatus, error) {
	return call[coordinator.SwapStatus](ctx, c, "confirmLock", rpc.ConfirmLockParams{SwapID: swapID, LockRef: lockRef})
}

func (c *client) GetSwapStatus(ctx context.Context, swapID string) (coordinator.SwapStatus, error) {
	return call[coordinator.SwapStatus](ctx, c, "getSwapStatus", rpc.SwapParams{SwapID: swapID})
}

func (c *client) GetAuctionStatus(ctx context.Context, swapID string) (auction.State, error) {
	return call[auction.State](ctx, c, "getAuctionStatus", rpc.SwapParams{SwapID: swapID})
}

func (c *client) ListAuctions(ctx context.Context) ([]string, error) {
	return call[[]string](ctx, c, "listAuctions", struct{}{})
}

func (c *client) SubmitBid(ctx context.Context, params rpc.BidParams) (auction.Bid, error) {
	return call[auction.Bid](ctx, c, "submitBid", params)
}

func (c *client) ConfirmEscrow(ctx context.Context, params rpc.EscrowParams) (coordinator.SwapStatus, error) {
	return call[coordinator.SwapStatus](ctx, c, "confirmEscrow", params)
}

func (c *client) ClaimSettlement(ctx context.Context, swapID, secret string) ([]string, error) {
	result, err := call[rpc.RefResult](ctx, c, "claimSettlement", rpc.SecretParams{SwapID: swapID, Secret: secret})
	return result.Refs, err
}

func (c *client) Refund(ctx context.Context, swapID string) (string, error) {
	result, err := call[rpc.RefResult](ctx, c, "refund", rpc.SwapParams{SwapID: swapID})
	if err != nil || len(result.Refs) == 0 {
		return "", err
	}
	return result.Refs[0], nil
}

func (c *client) RetryClaims(ctx context.Context, swapID, secret string) (coordinator.SwapStatus, error) {
	return call[coordinator.SwapStatus](ctx, c, "retryClaims", rpc.SecretParams{SwapID: swapID, Secret: secret})
}

func (c *client) History(ctx context.Context, address string) (coordinator.History, error) {
	return call[coordinator.History](ctx, c, "history", rpc.HistoryParams{Address: address})
}

func (c *client) Resolvers(ctx context.Context) ([]swap.ResolverProfile, error) {
	return call[[]swap.ResolverProfile](ctx, c, "resolvers", struct{}{})
}

func (c *client) ResolverStats(ctx context.Context, swapID string) ([]coordinator.ResolverStat, error) {
	return call[[]coordinator.ResolverStat](ctx, c, "resolverStats", rpc.SwapParams{SwapID: swapID})
}
