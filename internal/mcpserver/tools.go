package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the nestbid MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your escrow account balance on nestbid. "+
			"Shows available funds and the amount held in escrow for funded milestones."),
	mcp.WithString("currency",
		mcp.Description("Account currency code (default 'USD')")),
)

var ToolGetAccountHistory = mcp.NewTool("get_account_history",
	mcp.WithDescription(
		"List recent ledger entries for an escrow account: deposits, escrow holds, "+
			"releases, refunds, fees and adjustments, newest first. "+
			"Pass the cursor from a previous call to page through older entries."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The escrow account ID (e.g. 'acct_...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Opaque pagination cursor from a previous get_account_history result")),
)

var ToolGetAcceptance = mcp.NewTool("get_acceptance",
	mcp.WithDescription(
		"Look up a bid acceptance: its status, connection fee, payment window, "+
			"and whether the homeowner's contact details have been released to the contractor."),
	mcp.WithString("acceptance_id",
		mcp.Required(),
		mcp.Description("The acceptance ID (e.g. 'acp_...')")),
)

var ToolListExpiringAcceptances = mcp.NewTool("list_expiring_acceptances",
	mcp.WithDescription(
		"List unpaid acceptances whose connection-fee payment window closes soon, soonest first. "+
			"Use this to chase contractors before their acceptance lapses and the fallback bid is promoted."),
	mcp.WithString("within",
		mcp.Description("Window size as a duration string (e.g. '30m', '2h'; default '1h')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of acceptances to return (default 50)")),
)

var ToolGetMilestone = mcp.NewTool("get_milestone",
	mcp.WithDescription(
		"Look up a milestone payment: project, parties, amount, and escrow status "+
			"(pending, funded, released, refunded, disputed or cancelled)."),
	mcp.WithString("milestone_payment_id",
		mcp.Required(),
		mcp.Description("The milestone payment ID (e.g. 'mpay_...')")),
)

var ToolFundMilestone = mcp.NewTool("fund_milestone",
	mcp.WithDescription(
		"Fund a pending milestone payment from the payer's escrow account. "+
			"The amount moves into escrow hold until the milestone is released to the "+
			"contractor or refunded. Safe to retry with the same idempotency key."),
	mcp.WithString("milestone_payment_id",
		mcp.Required(),
		mcp.Description("The milestone payment ID to fund")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional key so a retried call cannot double-fund")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute against a funded milestone payment. "+
			"The escrowed funds are frozen: release and refund are blocked until an "+
			"operator resolves the dispute."),
	mcp.WithString("milestone_payment_id",
		mcp.Required(),
		mcp.Description("The funded milestone payment to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong (e.g. 'tile work not completed to spec')")),
)

var ToolGetPlatformStats = mcp.NewTool("get_platform_stats",
	mcp.WithDescription(
		"Get platform-wide statistics: escrow account counts and balance totals per "+
			"currency, plus acceptance, milestone payment and dispute counts by status."),
)
