package safety

import (
	"strings"

	"github.com/temporal-agent/scheduler/internal/apperr"
)

const maxFieldLen = 20
const maxCommaListLen = 30

func isWhitelistedCronByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b == ' ' || b == '\t':
		return true
	case b == ',' || b == '-' || b == '*' || b == '/':
		return true
	case b == 'L' || b == 'W' || b == '#' || b == '?':
		return true
	default:
		return false
	}
}

// ValidateCronSyntax enforces the character whitelist, field shape and
// field-length limits, independent of whether the evaluator in
// internal/timeutil can ultimately schedule the expression. This is the
// injection/DoS perimeter; timeutil.NextAfter is the scheduling-semantics
// check.
func ValidateCronSyntax(expr string) error {
	for i := 0; i < len(expr); i++ {
		if !isWhitelistedCronByte(expr[i]) {
			return apperr.New(apperr.InvalidCron, "InvalidChars: cron expression contains disallowed characters")
		}
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return apperr.New(apperr.InvalidCron, "InvalidShape: cron expression must have exactly 5 fields")
	}

	for _, f := range fields {
		if len(f) > maxFieldLen {
			return apperr.New(apperr.InvalidCron, "FieldTooLong: a cron field exceeds the maximum length")
		}
	}

	minute := fields[0]
	if minute == "*" || minute == "*/1" {
		return apperr.New(apperr.InvalidCron, "TooFrequent: minute field must not fire every minute")
	}

	if strings.Contains(minute, ",") && strings.Count(minute, ",")+1 > maxCommaListLen {
		return apperr.New(apperr.InvalidCron, "TooManyValues: minute field comma list is too long")
	}

	return nil
}
