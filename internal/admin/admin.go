// Package admin provides operator-only endpoints for platform oversight:
// aggregate stats and frozen-account triage.
package admin

import (
	"time"

	"github.com/nestbid/nestbid/internal/ledger"
)

// AccountStats summarizes escrow accounts across the platform.
type AccountStats struct {
	ByStatus map[string]int                  `json:"by_status"`
	Balances map[string]ledger.BalanceTotals `json:"balances"`
}

// PlatformStats is a point-in-time snapshot of platform state. Sections for
// subsystems that are not wired are omitted.
type PlatformStats struct {
	Accounts    *AccountStats  `json:"accounts,omitempty"`
	Acceptances map[string]int `json:"acceptances,omitempty"`
	Milestones  map[string]int `json:"milestones,omitempty"`
	Disputes    map[string]int `json:"disputes,omitempty"`
	WebSocket   map[string]any `json:"websocket,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
}
