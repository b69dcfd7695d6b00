package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the model reads to pick a tool.

var ToolListPools = mcp.NewTool("list_pools",
	mcp.WithDescription(
		"List the insurance pools agents can join. "+
			"Shows each pool's premium rate, risk level, total stake and whether it accepts new members."),
)

var ToolGetPool = mcp.NewTool("get_pool",
	mcp.WithDescription("Get one insurance pool with its participant count."),
	mcp.WithNumber("pool_id",
		mcp.Required(),
		mcp.Description("Numeric pool id")),
)

var ToolGetRiskScore = mcp.NewTool("get_risk_score",
	mcp.WithDescription(
		"Score an agent's insurance risk from its on-chain reputation, verified stake and claim history. "+
			"Returns a 0-100 risk score (lower is safer), a tier and a suggested premium in basis points."),
	mcp.WithNumber("token_id",
		mcp.Required(),
		mcp.Description("The agent's identity token id")),
)

var ToolListClaims = mcp.NewTool("list_claims",
	mcp.WithDescription("List insurance claims, newest first."),
	mcp.WithString("status",
		mcp.Description("Only claims in this state"),
		mcp.Enum("pending", "submitted", "resolved", "timed_out", "failed")),
	mcp.WithNumber("token_id",
		mcp.Description("Only claims filed for this agent token")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of claims to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Continue from the cursor printed at the end of a previous page")),
)

var ToolGetClaim = mcp.NewTool("get_claim",
	mcp.WithDescription(
		"Get an insurance claim's status, the oracle request it is tracked under and its verdict once resolved."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("Claim id, e.g. 'clm_...'")),
)

var ToolJoinPool = mcp.NewTool("join_pool",
	mcp.WithDescription(
		"Stake tokens into an insurance pool for an agent you own. "+
			"The stake plus the pool's premium is pulled from your wallet."),
	mcp.WithNumber("pool_id",
		mcp.Required(),
		mcp.Description("Numeric pool id")),
	mcp.WithNumber("token_id",
		mcp.Required(),
		mcp.Description("Identity token id of the agent joining")),
	mcp.WithString("stake",
		mcp.Required(),
		mcp.Description("Stake as a decimal token amount (e.g. '100.5')")),
)

var ToolFileClaim = mcp.NewTool("file_claim",
	mcp.WithDescription(
		"File an insurance claim against a merchant that failed to deliver. "+
			"The claim is sent to the arbitration oracle and settled once it resolves."),
	mcp.WithNumber("token_id",
		mcp.Required(),
		mcp.Description("Identity token id of the insured agent")),
	mcp.WithString("merchant",
		mcp.Required(),
		mcp.Description("Merchant address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount claimed as a decimal token amount (e.g. '12.5')")),
	mcp.WithString("reason",
		mcp.Description("Short description of what went wrong")),
	mcp.WithObject("evidence",
		mcp.Description("Supporting evidence, archived with the claim")),
)

var ToolDisputeClaim = mcp.NewTool("dispute_claim",
	mcp.WithDescription(
		"Dispute an open or resolved claim. The claim goes back to the oracle for another round."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("Claim id, e.g. 'clm_...'")),
	mcp.WithObject("evidence",
		mcp.Description("Counter-evidence for the dispute")),
)
