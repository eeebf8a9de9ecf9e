package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the TechSwap MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List your TechSwap orders as a buyer or a seller. "+
			"Shows each order's status, escrow status, and amount in VND."),
	mcp.WithString("role",
		mcp.Description("Whose orders to list: 'buyer' (things you bought) or 'seller' (things you sold)"),
		mcp.Enum("buyer", "seller")),
	mcp.WithString("status",
		mcp.Description("Only orders in this status"),
		mcp.Enum("pending", "paid", "shipped", "completed", "disputed", "cancelled")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Get one order with its escrow state, tracking number, and inspection deadline."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolCreateOrder = mcp.NewTool("create_order",
	mcp.WithDescription(
		"Buy a listed product. Opens a pending order and returns a VNPay checkout URL. "+
			"The money is held in escrow once payment succeeds and is only released to the seller "+
			"after you confirm delivery or the inspection window passes."),
	mcp.WithString("product_id",
		mcp.Required(),
		mcp.Description("The product to buy")),
	mcp.WithString("shipping_address",
		mcp.Required(),
		mcp.Description("Where the seller should ship the item")),
)

var ToolShipOrder = mcp.NewTool("ship_order",
	mcp.WithDescription(
		"Seller only: mark a paid order as shipped. Starts the buyer's inspection window."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
	mcp.WithString("tracking_number",
		mcp.Required(),
		mcp.Description("Carrier tracking number")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Buyer only: confirm the item arrived as described. "+
			"This releases the escrowed payment to the seller and cannot be undone."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Buyer only: dispute a shipped order during the inspection window. "+
			"Escrow is frozen until an operator resolves the dispute."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What is wrong with the item")),
	mcp.WithArray("evidence",
		mcp.Description("Up to 10 URLs of photos or documents supporting the dispute"),
		mcp.WithStringItems()),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Release escrow for a completed order whose payout has not been settled yet. "+
			"Safe to repeat: an already released order is returned unchanged."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"Show the escrow ledger for an order: the payment, and the release or refund that settled it."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)
