package evm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrTransactionTimeout is returned when a receipt did not show up in time.
	// Callers treat it as recoverable.
	ErrTransactionTimeout = errors.New("timed out waiting for transaction receipt")

	// ErrRateLimitPersistent is returned when the endpoint keeps answering 429
	// after the limiting period is over.
	ErrRateLimitPersistent = errors.New("rate limited past limiting period")
)

// TransactionRevertedError reports a mined transaction with status 0, or a
// call that reverted during gas estimation.
type TransactionRevertedError struct {
	TxHash common.Hash
	Reason string
}

func (e *TransactionRevertedError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return fmt.Sprintf("execution reverted: %s", e.Reason)
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

// IsRevertedWith reports whether err is a revert whose reason contains msg.
func IsRevertedWith(err error, msg string) bool {
	var reverted *TransactionRevertedError
	if !errors.As(err, &reverted) {
		return false
	}
	return strings.Contains(reverted.Reason, msg)
}

// IsRateLimited reports whether err is an HTTP 429 from the endpoint.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429
	}
	return strings.Contains(err.Error(), "429 Too Many Requests")
}

// IsConnectionError reports whether err means the endpoint could not be
// reached at all, as opposed to a JSON-RPC level failure.
func IsConnectionError(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return !urlErr.Timeout()
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return false
}

// IsTimeout reports whether err is a read timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rangeCapMessages are fragments RPC providers use when eth_getLogs spans too
// many blocks or matches too many logs.
var rangeCapMessages = []string{
	"block range",
	"range is too large",
	"query returned more than",
	"exceed maximum block range",
	"response size exceeded",
	"too many blocks",
}

// IsBlockRangeError reports whether err is a provider cap on eth_getLogs.
func IsBlockRangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range rangeCapMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
