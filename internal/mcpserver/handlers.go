package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/techswap/marketplace/internal/order"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListOrders lists the caller's orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "buyer")
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	orders, err := h.client.ListOrders(ctx, role, status, limit)
	if err != nil {
		return toolError("Failed to list orders", err), nil
	}
	return mcp.NewToolResultText(formatOrderList(role, orders)), nil
}

// HandleGetOrder shows one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOrderID(req)
	if errResult != nil {
		return errResult, nil
	}
	o, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return toolError("Failed to get order", err), nil
	}
	return mcp.NewToolResultText(formatOrder(o)), nil
}

// HandleCreateOrder opens an order and returns the checkout URL.
func (h *Handlers) HandleCreateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	productID := strings.TrimSpace(req.GetString("product_id", ""))
	address := strings.TrimSpace(req.GetString("shipping_address", ""))
	if productID == "" || address == "" {
		return mcp.NewToolResultError("product_id and shipping_address are required"), nil
	}

	res, err := h.client.CreateOrder(ctx, productID, address)
	if err != nil {
		return toolError("Failed to create order", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order created: %s\n", res.OrderID)
	fmt.Fprintf(&sb, "Amount: %s\n", formatVND(res.Amount))
	fmt.Fprintf(&sb, "\nPay here to fund escrow:\n%s\n", res.PaymentURL)
	sb.WriteString("\nThe order stays pending until VNPay confirms the payment.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleShipOrder marks an order shipped.
func (h *Handlers) HandleShipOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOrderID(req)
	if errResult != nil {
		return errResult, nil
	}
	tracking := strings.TrimSpace(req.GetString("tracking_number", ""))
	if tracking == "" {
		return mcp.NewToolResultError("tracking_number is required"), nil
	}
	o, err := h.client.Ship(ctx, id, tracking)
	if err != nil {
		return toolError("Failed to ship order", err), nil
	}
	return mcp.NewToolResultText("Order shipped.\n\n" + formatOrder(o)), nil
}

// HandleConfirmDelivery releases escrow at the buyer's request.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOrderID(req)
	if errResult != nil {
		return errResult, nil
	}
	o, err := h.client.Confirm(ctx, id)
	if err != nil {
		return toolError("Failed to confirm delivery", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Delivery confirmed. %s released to the seller.\n\n%s",
		formatVND(o.SellerAmount), formatOrder(o))), nil
}

// HandleOpenDispute freezes escrow on a shipped order.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOrderID(req)
	if errResult != nil {
		return errResult, nil
	}
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	evidence := req.GetStringSlice("evidence", nil)
	if len(evidence) > order.MaxDisputeEvidence {
		return mcp.NewToolResultError(fmt.Sprintf("at most %d evidence items", order.MaxDisputeEvidence)), nil
	}

	o, err := h.client.Dispute(ctx, id, reason, evidence)
	if err != nil {
		return toolError("Failed to open dispute", err), nil
	}
	return mcp.NewToolResultText("Dispute opened. Escrow is frozen until an operator resolves it.\n\n" + formatOrder(o)), nil
}

// HandleReleaseEscrow settles a completed order's payout.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOrderID(req)
	if errResult != nil {
		return errResult, nil
	}
	o, err := h.client.Release(ctx, id)
	if err != nil {
		return toolError("Failed to release escrow", err), nil
	}
	return mcp.NewToolResultText(formatOrder(o)), nil
}

// HandleListTransactions shows an order's escrow ledger.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOrderID(req)
	if errResult != nil {
		return errResult, nil
	}
	txs, err := h.client.Transactions(ctx, id)
	if err != nil {
		return toolError("Failed to list transactions", err), nil
	}
	if len(txs) == 0 {
		return mcp.NewToolResultText("No transactions recorded for this order."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ledger for order %s:\n\n", id)
	for i, tx := range txs {
		fmt.Fprintf(&sb, "%d. %s %s (%s) %s\n", i+1, tx.Type, formatVND(tx.Amount), tx.Status,
			tx.CreatedAt.UTC().Format(time.RFC3339))
		if tx.GatewayTxnNo != "" {
			fmt.Fprintf(&sb, "   VNPay txn %s", tx.GatewayTxnNo)
			if tx.BankCode != "" {
				fmt.Fprintf(&sb, " via %s", tx.BankCode)
			}
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- helpers ---

func requireOrderID(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id := strings.TrimSpace(req.GetString("order_id", ""))
	if id == "" {
		return "", mcp.NewToolResultError("order_id is required")
	}
	return id, nil
}

// toolError renders API failures as tool errors the model can read.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "state_conflict" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: the order is not in a state that allows this (%s)", prefix, apiErr.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func formatOrderList(role string, orders []*order.Order) string {
	if len(orders) == 0 {
		return fmt.Sprintf("No orders found as %s.", role)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d order(s) as %s:\n\n", len(orders), role)
	for i, o := range orders {
		fmt.Fprintf(&sb, "%d. %s  %s  %s (escrow %s)\n", i+1, o.ID, formatVND(o.Amount), o.Status, o.EscrowStatus)
	}
	return sb.String()
}

func formatOrder(o *order.Order) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", o.ID)
	fmt.Fprintf(&sb, "Product: %s\n", o.ProductID)
	fmt.Fprintf(&sb, "Status: %s\n", o.Status)
	fmt.Fprintf(&sb, "Escrow: %s\n", o.EscrowStatus)
	fmt.Fprintf(&sb, "Amount: %s (seller receives %s, platform fee %s)\n",
		formatVND(o.Amount), formatVND(o.SellerAmount), formatVND(o.PlatformFee))
	if o.TrackingNumber != "" {
		fmt.Fprintf(&sb, "Tracking: %s\n", o.TrackingNumber)
	}
	if o.InspectionDeadline != nil && o.Status == order.StatusShipped {
		fmt.Fprintf(&sb, "Auto-release at: %s\n", o.InspectionDeadline.UTC().Format(time.RFC3339))
	}
	if o.DisputeReason != "" {
		fmt.Fprintf(&sb, "Dispute: %s\n", o.DisputeReason)
	}
	return sb.String()
}

// formatVND renders whole dong with thousands separators, e.g. "1,250,000 VND".
func formatVND(amount int64) string {
	s := strconv.FormatInt(amount, 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	sb.WriteString(" VND")
	return sb.String()
}
