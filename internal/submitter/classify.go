package submitter

import (
	"strings"

	"airdrop/internal/chain"
)

type sendOutcome int

const (
	sendAccepted sendOutcome = iota
	// sendAmbiguous: retries exhausted on a transport error; the node may hold the tx.
	sendAmbiguous
	sendNonceTooLow
	sendUnderpriced
	sendInsufficientFunds
	sendTransient
	sendRejected
)

func (o sendOutcome) String() string {
	switch o {
	case sendAccepted:
		return "accepted"
	case sendAmbiguous:
		return "ambiguous"
	case sendNonceTooLow:
		return "nonce_too_low"
	case sendUnderpriced:
		return "underpriced"
	case sendInsufficientFunds:
		return "insufficient_funds"
	case sendTransient:
		return "transient"
	default:
		return "rejected"
	}
}

// classifySendError maps eth_sendRawTransaction errors onto submitter actions.
func classifySendError(err error) sendOutcome {
	if err == nil {
		return sendAccepted
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "already known"),
		strings.Contains(lower, "known transaction"),
		strings.Contains(lower, "already imported"):
		return sendAccepted
	case strings.Contains(lower, "nonce too low"),
		strings.Contains(lower, "nonce has already been used"):
		return sendNonceTooLow
	case strings.Contains(lower, "underpriced"),
		strings.Contains(lower, "fee too low"),
		strings.Contains(lower, "tip too low"),
		strings.Contains(lower, "less than block base fee"):
		return sendUnderpriced
	case strings.Contains(lower, "insufficient funds"):
		return sendInsufficientFunds
	case chain.IsTransient(err):
		return sendTransient
	default:
		return sendRejected
	}
}
