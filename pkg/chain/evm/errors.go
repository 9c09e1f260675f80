package evm

import (
	"fmt"
	"strings"

	"github.com/catalogfi/fusion/pkg/chain"
)

var revertReasons = []struct {
	substr string
	err    error
}{
	{"already claimed", chain.ErrAlreadyClaimed},
	{"already refunded", chain.ErrAlreadyRefunded},
	{"not expired", chain.ErrNotExpired},
	{"timelock not reached", chain.ErrNotExpired},
	{"invalid secret", chain.ErrInvalidPreimage},
	{"invalid preimage", chain.ErrInvalidPreimage},
	{"expired", chain.ErrExpired},
	{"swap not found", chain.ErrUnknownSwap},
	{"too many requests", chain.ErrRateLimited},
	{"rate limit", chain.ErrRateLimited},
	{"429", chain.ErrRateLimited},
	{"nonce too low", chain.ErrUnavailable},
	{"connection refused", chain.ErrUnavailable},
	{"connection reset", chain.ErrUnavailable},
	{"i/o timeout", chain.ErrUnavailable},
	{"502 bad gateway", chain.ErrUnavailable},
	{"503 service unavailable", chain.ErrUnavailable},
	{"eof", chain.ErrUnavailable},
}

// classify maps node and revert errors onto the chain error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, reason := range revertReasons {
		if strings.Contains(msg, reason.substr) {
			return fmt.Errorf("%v: %w", err, reason.err)
		}
	}
	return err
}
