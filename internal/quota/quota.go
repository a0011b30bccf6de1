// Package quota maps plan tiers to usage limits.
//
// Everything here is pure: no I/O, no clock, no state. Callers at a trust
// boundary (webhook payloads, database rows) go through ParseTier; code that
// already holds a Tier calls LimitsFor directly and a bad value is a bug.
package quota

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is a named entitlement level.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPremium Tier = "PREMIUM"
)

// Action is a metered user action.
type Action string

const (
	ActionChatMessage Action = "CHAT_MESSAGE"
	ActionUpload      Action = "UPLOAD"
)

const (
	MiB = 1 << 20

	FreeMonthlyCredits    = 10
	PremiumMonthlyCredits = 100

	FreeMaxUploadBytes    = 4 * MiB
	PremiumMaxUploadBytes = 50 * MiB
)

var (
	ErrUnknownTier   = errors.New("unknown plan tier")
	ErrUnknownAction = errors.New("unknown action")
)

// Limits are the entitlements of a tier.
type Limits struct {
	MonthlyCredits int   `json:"monthlyCredits"`
	MaxUploadBytes int64 `json:"maxUploadBytes"`
}

// LimitsFor returns the limits for tier. It panics on an unknown tier.
func LimitsFor(tier Tier) Limits {
	switch tier {
	case TierFree:
		return Limits{MonthlyCredits: FreeMonthlyCredits, MaxUploadBytes: FreeMaxUploadBytes}
	case TierPremium:
		return Limits{MonthlyCredits: PremiumMonthlyCredits, MaxUploadBytes: PremiumMaxUploadBytes}
	default:
		panic(fmt.Sprintf("quota: no limits for tier %q", string(tier)))
	}
}

// AllowsUpload reports whether a file of sizeBytes fits the limit.
func (l Limits) AllowsUpload(sizeBytes int64) bool {
	return sizeBytes > 0 && sizeBytes <= l.MaxUploadBytes
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPremium
}

func (t Tier) String() string { return string(t) }

// ParseTier parses a tier name, ignoring case and surrounding space.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// CostOf returns the credit cost of an action. It panics on an unknown action.
func CostOf(action Action) int {
	switch action {
	case ActionChatMessage:
		return 1
	case ActionUpload:
		return 1
	default:
		panic(fmt.Sprintf("quota: no cost for action %q", string(action)))
	}
}

// ParseAction parses an action name, ignoring case and surrounding space.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionChatMessage, ActionUpload:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}
