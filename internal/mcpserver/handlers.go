package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *NestbidClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *NestbidClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the caller's escrow balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	currency := req.GetString("currency", "USD")

	raw, err := h.client.OwnerBalance(ctx, currency)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetAccountHistory lists ledger entries for an account.
func (h *Handlers) HandleGetAccountHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.AccountHistory(ctx, accountID, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetAcceptance returns the full view of an acceptance.
func (h *Handlers) HandleGetAcceptance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("acceptance_id", "")
	if id == "" {
		return mcp.NewToolResultError("acceptance_id is required"), nil
	}

	raw, err := h.client.Acceptance(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get acceptance: %v", err)), nil
	}

	text, err := formatAcceptance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse acceptance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListExpiringAcceptances lists unpaid acceptances closing soon.
func (h *Handlers) HandleListExpiringAcceptances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	within := req.GetString("within", "")
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ExpiringAcceptances(ctx, within, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list expiring acceptances: %v", err)), nil
	}

	text, err := formatExpiringAcceptances(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse acceptances: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetMilestone returns a milestone payment.
func (h *Handlers) HandleGetMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("milestone_payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("milestone_payment_id is required"), nil
	}

	raw, err := h.client.Milestone(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get milestone: %v", err)), nil
	}

	text, err := formatMilestone(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse milestone: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleFundMilestone funds a pending milestone payment.
func (h *Handlers) HandleFundMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("milestone_payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("milestone_payment_id is required"), nil
	}
	key := req.GetString("idempotency_key", "")

	raw, err := h.client.FundMilestone(ctx, id, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Funding failed: %v", err)), nil
	}

	p, err := parseMilestone(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse milestone: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Milestone payment %s funded.\n", p.ID)
	fmt.Fprintf(&sb, "%s %s moved into escrow hold.\n", p.Amount, p.Currency)
	fmt.Fprintf(&sb, "The funds stay held until the milestone is released to %s or refunded to %s.", p.PayeeID, p.PayerID)

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOpenDispute opens a dispute against a funded milestone.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("milestone_payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("milestone_payment_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	var resp struct {
		Dispute disputeView `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute %s opened against milestone payment %s.\n"+
			"Reason: %s\n"+
			"The escrowed funds are frozen until an operator resolves the dispute.",
		resp.Dispute.ID, resp.Dispute.MilestonePaymentID, resp.Dispute.Reason)), nil
}

// HandleGetPlatformStats returns platform-wide statistics.
func (h *Handlers) HandleGetPlatformStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PlatformStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Response views ---
//
// The platform marshals decimals as JSON strings, so amounts stay strings
// here and pass through to the output untouched.

type accountView struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OwnerType string `json:"owner_type"`
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Pending   string `json:"pending"`
	Status    string `json:"status"`
}

type entryView struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Amount      string    `json:"amount"`
	NewBalance  string    `json:"new_balance"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type acceptanceView struct {
	ID        string    `json:"id"`
	BidID     string    `json:"bid_id"`
	BidCardID string    `json:"bid_card_id"`
	FeeAmount string    `json:"fee_amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

type connectionPaymentView struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	ProcessorRef  string `json:"processor_ref"`
	FailureReason string `json:"failure_reason"`
}

type milestoneView struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	MilestoneID string     `json:"milestone_id"`
	PayerID     string     `json:"payer_id"`
	PayeeID     string     `json:"payee_id"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	FundedAt    *time.Time `json:"funded_at"`
	ClosedAt    *time.Time `json:"closed_at"`
}

type disputeView struct {
	ID                 string `json:"id"`
	MilestonePaymentID string `json:"milestone_payment_id"`
	Status             string `json:"status"`
	Reason             string `json:"reason"`
}

// --- Formatting helpers ---

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Account accountView `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	a := resp.Account
	if a.ID == "" {
		return "", fmt.Errorf("no account in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow account %s (%s):\n", a.ID, a.Currency)
	fmt.Fprintf(&sb, "  Available: %s %s\n", a.Available, a.Currency)
	if nonZero(a.Pending) {
		fmt.Fprintf(&sb, "  On hold:   %s %s\n", a.Pending, a.Currency)
	}
	if a.Status != "" && a.Status != "active" {
		fmt.Fprintf(&sb, "  Status: %s\n", a.Status)
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries    []entryView `json:"entries"`
		NextCursor string      `json:"next_cursor"`
		HasMore    bool        `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No ledger entries for this account.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d ledger entr%s, newest first:\n\n", len(resp.Entries), pluralY(len(resp.Entries)))
	for i, e := range resp.Entries {
		fmt.Fprintf(&sb, "%d. [%s] %s -> balance %s (%s)\n",
			i+1, e.Kind, e.Amount, e.NewBalance, e.CreatedAt.Format(time.RFC3339))
		if e.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", e.Description)
		}
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore entries available. Pass cursor %q to fetch older ones.", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatAcceptance(raw json.RawMessage) (string, error) {
	var resp struct {
		Acceptance acceptanceView         `json:"acceptance"`
		Payment    *connectionPaymentView `json:"payment"`
		Contact    *struct {
			ReleasedAt time.Time `json:"released_at"`
		} `json:"contact_release"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	a := resp.Acceptance
	if a.ID == "" {
		return "", fmt.Errorf("no acceptance in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Acceptance %s:\n", a.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", a.Status)
	fmt.Fprintf(&sb, "  Bid %s on card %s\n", a.BidID, a.BidCardID)
	fmt.Fprintf(&sb, "  Connection fee: %s %s\n", a.FeeAmount, a.Currency)
	if a.Status == "pending_payment" {
		fmt.Fprintf(&sb, "  Payment window closes: %s\n", a.ExpiresAt.Format(time.RFC3339))
	}
	if p := resp.Payment; p != nil {
		fmt.Fprintf(&sb, "  Payment: %s", p.Status)
		if p.FailureReason != "" {
			fmt.Fprintf(&sb, " (%s)", p.FailureReason)
		}
		sb.WriteString("\n")
	}
	if resp.Contact != nil {
		fmt.Fprintf(&sb, "  Contact details released at %s\n", resp.Contact.ReleasedAt.Format(time.RFC3339))
	} else {
		sb.WriteString("  Contact details: not released\n")
	}
	return sb.String(), nil
}

func formatExpiringAcceptances(raw json.RawMessage) (string, error) {
	var resp struct {
		Acceptances []acceptanceView `json:"acceptances"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Acceptances) == 0 {
		return "No unpaid acceptances expiring in this window.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d unpaid acceptance(s), soonest first:\n\n", len(resp.Acceptances))
	for i, a := range resp.Acceptances {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, a.ID)
		fmt.Fprintf(&sb, "   Bid %s on card %s | fee %s %s\n", a.BidID, a.BidCardID, a.FeeAmount, a.Currency)
		fmt.Fprintf(&sb, "   Window closes %s\n", a.ExpiresAt.Format(time.RFC3339))
		if i < len(resp.Acceptances)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func parseMilestone(raw json.RawMessage) (milestoneView, error) {
	var resp struct {
		Payment milestoneView `json:"payment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return milestoneView{}, err
	}
	if resp.Payment.ID == "" {
		return milestoneView{}, fmt.Errorf("no payment in response")
	}
	return resp.Payment, nil
}

func formatMilestone(raw json.RawMessage) (string, error) {
	p, err := parseMilestone(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Milestone payment %s:\n", p.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", p.Status)
	fmt.Fprintf(&sb, "  Project %s, milestone %s\n", p.ProjectID, p.MilestoneID)
	fmt.Fprintf(&sb, "  Amount: %s %s\n", p.Amount, p.Currency)
	fmt.Fprintf(&sb, "  Payer: %s | Payee: %s\n", p.PayerID, p.PayeeID)
	if p.FundedAt != nil {
		fmt.Fprintf(&sb, "  Funded at: %s\n", p.FundedAt.Format(time.RFC3339))
	}
	if p.ClosedAt != nil {
		fmt.Fprintf(&sb, "  Closed at: %s\n", p.ClosedAt.Format(time.RFC3339))
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats struct {
			Accounts *struct {
				ByStatus map[string]int `json:"by_status"`
				Balances map[string]struct {
					Available string `json:"available"`
					Pending   string `json:"pending"`
				} `json:"balances"`
			} `json:"accounts"`
			Acceptances map[string]int `json:"acceptances"`
			Milestones  map[string]int `json:"milestones"`
			Disputes    map[string]int `json:"disputes"`
			GeneratedAt time.Time      `json:"generated_at"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Stats

	var sb strings.Builder
	fmt.Fprintf(&sb, "Platform stats as of %s:\n", s.GeneratedAt.Format(time.RFC3339))
	if s.Accounts != nil {
		sb.WriteString("\nEscrow accounts:\n")
		writeCounts(&sb, s.Accounts.ByStatus)
		for _, cur := range sortedKeys(s.Accounts.Balances) {
			b := s.Accounts.Balances[cur]
			fmt.Fprintf(&sb, "  %s: available %s, on hold %s\n", cur, b.Available, b.Pending)
		}
	}
	writeCountSection(&sb, "Acceptances", s.Acceptances)
	writeCountSection(&sb, "Milestone payments", s.Milestones)
	writeCountSection(&sb, "Disputes", s.Disputes)
	return sb.String(), nil
}

func writeCountSection(sb *strings.Builder, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", label)
	writeCounts(sb, counts)
}

func writeCounts(sb *strings.Builder, counts map[string]int) {
	for _, k := range sortedKeys(counts) {
		fmt.Fprintf(sb, "  %s: %d\n", k, counts[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// nonZero reports whether a decimal string carries a non-zero value. The
// platform emits zeros as "0", "0.0" and similar.
func nonZero(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r >= '1' && r <= '9' {
			return true
		}
	}
	return false
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
