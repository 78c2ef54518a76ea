package limiter

import (
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Reason explains how a decision was reached.
type Reason string

const (
	ReasonWithinQuota      Reason = "within_quota"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonOverrideAllow    Reason = "override_allow"
	ReasonOverrideDeny     Reason = "override_deny"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonInternalError    Reason = "internal_error"
)

// Decision is the admission outcome for one request.
// RetryAfter is > 0 exactly when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	RetryAfter time.Duration
	PolicyID   string
	// Degraded is set when the counter store could not be consulted and the
	// fail mode decided instead.
	Degraded bool
	Reason   Reason
}

// FailMode decides what happens when the counter store is unavailable.
type FailMode int

const (
	// FailOpen admits requests while the store is down.
	FailOpen FailMode = iota
	// FailClosed rejects requests while the store is down.
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open", "fail-open":
		return FailOpen, nil
	case "closed", "fail-closed":
		return FailClosed, nil
	default:
		return FailOpen, xerrors.Newf("unknown fail mode %q (valid modes are open|closed)", s)
	}
}

// Degrade builds the decision used when the store or the gate itself failed.
func Degrade(mode FailMode, policyID string, limit int64, granularity time.Duration, reason Reason) Decision {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	if mode == FailClosed {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			RetryAfter: granularity,
			PolicyID:   policyID,
			Degraded:   true,
			Reason:     reason,
		}
	}
	return Decision{
		Allowed:  true,
		Limit:    limit,
		PolicyID: policyID,
		Degraded: true,
		Reason:   reason,
	}
}
