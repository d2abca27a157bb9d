package protocol

// ErrorCode is a stable machine-readable error identifier surfaced to the
// client. Codes are stable across releases so the UI can distinguish
// "try again" from "session over".
type ErrorCode string

const (
	CodeAuthRequired          ErrorCode = "AUTH_REQUIRED"
	CodeAuthInvalid           ErrorCode = "AUTH_INVALID"
	CodeRateLimitExceeded     ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeSTTError              ErrorCode = "STT_ERROR"
	CodeLLMError              ErrorCode = "LLM_ERROR"
	CodeTTSError              ErrorCode = "TTS_ERROR"
	CodeCostLimitExceeded     ErrorCode = "COST_LIMIT_EXCEEDED"
	CodeDurationLimitExceeded ErrorCode = "DURATION_LIMIT_EXCEEDED"
	CodeProtocolError         ErrorCode = "PROTOCOL_ERROR"
)

// Fatal reports whether an error code terminates the session. Turn-scoped
// provider errors keep the session open; auth and limit errors do not.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeAuthRequired, CodeAuthInvalid, CodeRateLimitExceeded,
		CodeCostLimitExceeded, CodeDurationLimitExceeded:
		return true
	}
	return false
}
