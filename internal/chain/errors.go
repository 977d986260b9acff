package chain

import (
	"errors"
	"strings"

	"airdrop/internal/metrics"
)

// RecordRPCCall records an RPC call metric with status classification.
func RecordRPCCall(method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(method, ClassifyRPCError(err)).Inc()
}

// ClassifyRPCError classifies an RPC error into a category.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof") ||
		strings.Contains(lower, "client is closed"):
		return "network_error"
	default:
		return "client_error"
	}
}

// IsTransient reports whether err is worth retrying against the same node.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr interface{ ErrorCode() int }
	if errors.As(err, &rpcErr) {
		// JSON-RPC server errors carry a node verdict, except rate limiting.
		return rpcErr.ErrorCode() == 429 || ClassifyRPCError(err) == "rate_limited"
	}
	switch ClassifyRPCError(err) {
	case "timeout", "rate_limited", "server_error", "network_error":
		return true
	default:
		return false
	}
}
