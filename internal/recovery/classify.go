package recovery

import (
	"regexp"

	"github.com/codefionn/agentloop/internal/tools"
)

// ErrorClass groups tool failures by the kind of workaround they need.
type ErrorClass string

const (
	ClassUnknown          ErrorClass = "unknown"
	ClassNotFound         ErrorClass = "not_found"
	ClassTimeout          ErrorClass = "timeout"
	ClassNetwork          ErrorClass = "network"
	ClassRateLimit        ErrorClass = "rate_limit"
	ClassPermission       ErrorClass = "permission"
	ClassInvalidArguments ErrorClass = "invalid_arguments"
)

var classPatterns = []struct {
	class   ErrorClass
	pattern *regexp.Regexp
}{
	{ClassInvalidArguments, regexp.MustCompile(`(?i)unknown parameter|missing required|invalid argument|expected (number|string|boolean)`)},
	{ClassRateLimit, regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b`)},
	{ClassTimeout, regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`)},
	{ClassPermission, regexp.MustCompile(`(?i)permission|forbidden|unauthori[sz]ed|access denied|\b40[13]\b`)},
	{ClassNetwork, regexp.MustCompile(`(?i)connection (refused|reset)|no such host|network is unreachable|\beof\b|tls`)},
	{ClassNotFound, regexp.MustCompile(`(?i)not found|no such|no element|does not exist|cannot find|\b404\b`)},
}

// Classify maps an error message onto an ErrorClass.
func Classify(err string) ErrorClass {
	for _, p := range classPatterns {
		if p.pattern.MatchString(err) {
			return p.class
		}
	}
	return ClassUnknown
}

// ClassifyResult prefers the invoker's error kind and falls back to the message.
func ClassifyResult(r tools.Result) ErrorClass {
	switch r.ErrorType {
	case tools.ErrKindNotFound:
		return ClassNotFound
	case tools.ErrKindTimeout:
		return ClassTimeout
	case tools.ErrKindInvalidArguments:
		return ClassInvalidArguments
	}
	return Classify(r.Error)
}

// Fingerprint hashes whitespace-normalized content into a short hex string.
func Fingerprint(content string) string {
	return tools.ContentFingerprint(content)
}
