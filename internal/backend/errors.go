package backend

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind classifies a transport failure for the broker's retry policy.
type Kind int

const (
	// KindTerminal failures end the session.
	KindTerminal Kind = iota
	// KindCredential failures are worth one credential refresh and, for
	// non-final events, a full stream reinitialization.
	KindCredential
)

// API error codes that indicate the signing identity, not the request,
// is at fault.
var credentialErrorCodes = map[string]struct{}{
	"ExpiredTokenException":        {},
	"ExpiredToken":                 {},
	"InvalidSignatureException":    {},
	"UnrecognizedClientException":  {},
	"AccessDeniedException":        {},
	"UnauthorizedException":        {},
	"InvalidClientTokenId":         {},
	"SignatureDoesNotMatch":        {},
	"IncompleteSignatureException": {},
}

// Keyword fallback for wrapped or opaque errors where no structured code
// survives.
var credentialKeywords = []string{"credential", "auth", "token", "permission", "access"}

// Classify maps a transport error to a retry kind. Structured smithy API
// error codes are consulted first; plain-text matching is the fallback.
func Classify(err error) Kind {
	if err == nil {
		return KindTerminal
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := credentialErrorCodes[apiErr.ErrorCode()]; ok {
			return KindCredential
		}
		return KindTerminal
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range credentialKeywords {
		if strings.Contains(msg, kw) {
			return KindCredential
		}
	}
	return KindTerminal
}
