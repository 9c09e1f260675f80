package stream

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"go.uber.org/zap"
)

type Options struct {
	// APIURL serves the escrow endpoints, e.g. http://localhost:8000.
	APIURL string
	// StreamURL serves escrow activity over websocket, e.g. ws://localhost:8000.
	StreamURL string

	MinReconnect time.Duration
	MaxReconnect time.Duration
}

func NewOptions(apiURL, streamURL string) Options {
	return Options{
		APIURL:       strings.TrimSuffix(apiURL, "/"),
		StreamURL:    strings.TrimSuffix(streamURL, "/"),
		MinReconnect: time.Second,
		MaxReconnect: time.Minute,
	}
}

type escrowRequest struct {
	SwapID    string `json:"swapId"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	HashLock  string `json:"hashLock"`
	Timelock  int64  `json:"timelock"`
	Amount    string `json:"amount"`
	Slots     []int  `json:"slots"`
}

type claimRequest struct {
	Preimage string `json:"preimage"`
}

type refResponse struct {
	Ref   string `json:"ref"`
	Error string `json:"error"`
}

type client struct {
	options Options
	http    *http.Client
	logger  *zap.Logger
}

// NewClient returns a settlement chain client talking to an escrow API and
// its activity stream.
func NewClient(options Options, logger *zap.Logger) chain.SettlementChain {
	return &client{
		options: options,
		http:    &http.Client{},
		logger:  logger,
	}
}

func (c *client) LockEscrow(ctx context.Context, req chain.EscrowRequest) (string, error) {
	if time.Now().After(req.Timelock) {
		return "", chain.ErrExpired
	}
	body := escrowRequest{
		SwapID:    req.SwapID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		HashLock:  hex.EncodeToString(req.HashLock[:]),
		Timelock:  req.Timelock.Unix(),
		Amount:    "0",
		Slots:     req.Slots,
	}
	if req.Amount != nil {
		body.Amount = req.Amount.String()
	}
	return c.post(ctx, "/escrows", body)
}

func (c *client) ClaimEscrow(ctx context.Context, escrowRef string, preimage []byte) (string, error) {
	return c.post(ctx, fmt.Sprintf("/escrows/%v/claim", escrowRef), claimRequest{Preimage: hex.EncodeToString(preimage)})
}

func (c *client) SubscribeActivity(ctx context.Context, escrowRef string) (chain.Subscription, error) {
	url := fmt.Sprintf("%v/escrows/%v/activity", c.options.StreamURL, escrowRef)
	sub, err := subscribe(ctx, url, c.options, c.logger.With(zap.String("escrow", escrowRef)))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, chain.ErrUnavailable)
	}
	return sub, nil
}

func (c *client) post(ctx context.Context, path string, body interface{}) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.APIURL+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.http.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%v: %w", err, chain.ErrUnavailable)
	}
	defer httpResponse.Body.Close()

	respBytes, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %v: %w", err, chain.ErrUnavailable)
	}
	var resp refResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil && httpResponse.StatusCode == http.StatusOK {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if err := statusError(httpResponse.StatusCode, resp.Error); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func statusError(code int, msg string) error {
	var kind error
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		kind = chain.ErrUnknownSwap
	case code == http.StatusConflict:
		kind = chain.ErrAlreadyClaimed
	case code == http.StatusGone:
		kind = chain.ErrExpired
	case code == http.StatusUnprocessableEntity:
		kind = chain.ErrInvalidPreimage
	case code == http.StatusTooManyRequests:
		kind = chain.ErrRateLimited
	case code >= 500:
		kind = chain.ErrUnavailable
	default:
		return fmt.Errorf("status %d: %v", code, msg)
	}
	return fmt.Errorf("status %d: %v: %w", code, msg, kind)
}
