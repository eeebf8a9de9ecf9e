package paygate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/techswap/marketplace/internal/metrics"
	"github.com/techswap/marketplace/internal/retry"
)

// Response codes of the querydr API.
const (
	QueryCodeOK       = "00"
	QueryCodeNotFound = "91"

	// Transaction status values reported by querydr.
	TxnStatusSuccess = "00"
	TxnStatusPending = "01"
)

// QueryResult is the gateway's view of one transaction.
type QueryResult struct {
	TxnRef            string `json:"txnRef"`
	ResponseCode      string `json:"responseCode"`
	Message           string `json:"message"`
	TransactionStatus string `json:"transactionStatus"`
	TransactionNo     string `json:"transactionNo"`
	BankCode          string `json:"bankCode"`
	Amount            int64  `json:"amount"` // VND
	PayDate           string `json:"payDate"`
}

// Paid reports whether the gateway settled the payment.
func (r *QueryResult) Paid() bool {
	return r.ResponseCode == QueryCodeOK && r.TransactionStatus == TxnStatusSuccess
}

// NotFound reports whether the gateway has no record of the transaction.
func (r *QueryResult) NotFound() bool {
	return r.ResponseCode == QueryCodeNotFound
}

// Failed reports whether the gateway recorded a terminal, unsuccessful payment.
func (r *QueryResult) Failed() bool {
	return r.ResponseCode == QueryCodeOK &&
		r.TransactionStatus != TxnStatusSuccess &&
		r.TransactionStatus != TxnStatusPending
}

type queryRequest struct {
	RequestID       string `json:"vnp_RequestId"`
	Version         string `json:"vnp_Version"`
	Command         string `json:"vnp_Command"`
	TmnCode         string `json:"vnp_TmnCode"`
	TxnRef          string `json:"vnp_TxnRef"`
	OrderInfo       string `json:"vnp_OrderInfo"`
	TransactionDate string `json:"vnp_TransactionDate"`
	CreateDate      string `json:"vnp_CreateDate"`
	IPAddr          string `json:"vnp_IpAddr"`
	SecureHash      string `json:"vnp_SecureHash"`
}

type queryResponse struct {
	ResponseID        string `json:"vnp_ResponseId"`
	Command           string `json:"vnp_Command"`
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TmnCode           string `json:"vnp_TmnCode"`
	TxnRef            string `json:"vnp_TxnRef"`
	Amount            string `json:"vnp_Amount"`
	BankCode          string `json:"vnp_BankCode"`
	PayDate           string `json:"vnp_PayDate"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	TransactionType   string `json:"vnp_TransactionType"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	OrderInfo         string `json:"vnp_OrderInfo"`
	PromotionCode     string `json:"vnp_PromotionCode"`
	PromotionAmount   string `json:"vnp_PromotionAmount"`
	SecureHash        string `json:"vnp_SecureHash"`
}

// hashData is the pipe-joined signing string of the request.
func (q queryRequest) hashData() string {
	return strings.Join([]string{
		q.RequestID, q.Version, q.Command, q.TmnCode, q.TxnRef,
		q.TransactionDate, q.CreateDate, q.IPAddr, q.OrderInfo,
	}, "|")
}

// hashData is the pipe-joined signing string of the response.
func (r queryResponse) hashData() string {
	return strings.Join([]string{
		r.ResponseID, r.Command, r.ResponseCode, r.Message, r.TmnCode, r.TxnRef,
		r.Amount, r.BankCode, r.PayDate, r.TransactionNo, r.TransactionType,
		r.TransactionStatus, r.OrderInfo, r.PromotionCode, r.PromotionAmount,
	}, "|")
}

// QueryClient calls the querydr merchant API behind a circuit breaker.
type QueryClient struct {
	cfg      Config
	http     *resty.Client
	breaker  *gobreaker.CircuitBreaker
	policy   retry.Policy
	serverIP string
	logger   *slog.Logger
}

// NewQueryClient creates a querydr client. cfg.APIURL is required.
func NewQueryClient(cfg Config, logger *slog.Logger) (*QueryClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("%w: missing VNPAY_API_URL", ErrGatewayConfig)
	}

	const breakerName = "vnpay_querydr"
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.GatewayBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logger.Warn("gateway circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	metrics.GatewayBreakerState.WithLabelValues(breakerName).Set(0)

	return &QueryClient{
		cfg: cfg,
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(0).
			SetHeader("Content-Type", "application/json"),
		breaker:  breaker,
		policy:   retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		serverIP: "127.0.0.1",
		logger:   logger,
	}, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// QueryTransaction asks the gateway for the status of txnRef, created at createdAt.
func (c *QueryClient) QueryTransaction(ctx context.Context, txnRef string, createdAt time.Time) (*QueryResult, error) {
	req := queryRequest{
		RequestID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		Version:         Version,
		Command:         CommandQuery,
		TmnCode:         c.cfg.TmnCode,
		TxnRef:          txnRef,
		OrderInfo:       "Truy van giao dich " + txnRef,
		TransactionDate: FormatDate(createdAt),
		CreateDate:      FormatDate(time.Now()),
		IPAddr:          c.serverIP,
	}
	req.SecureHash = Sign(c.cfg.HashSecret, req.hashData())

	var out *queryResponse
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.post(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return retry.Permanent(fmt.Errorf("querydr unavailable: %w", err))
			}
			return err
		}
		out = res.(*queryResponse)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !validSignature(c.cfg.HashSecret, out.hashData(), out.SecureHash) {
		return nil, ErrInvalidSignature
	}

	result := &QueryResult{
		TxnRef:            out.TxnRef,
		ResponseCode:      out.ResponseCode,
		Message:           out.Message,
		TransactionStatus: out.TransactionStatus,
		TransactionNo:     out.TransactionNo,
		BankCode:          out.BankCode,
		PayDate:           out.PayDate,
	}
	if out.Amount != "" {
		if raw, err := strconv.ParseInt(out.Amount, 10, 64); err == nil {
			result.Amount = raw / 100
		}
	}
	return result, nil
}

func (c *QueryClient) post(ctx context.Context, req queryRequest) (*queryResponse, error) {
	var out queryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(c.cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("querydr request: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("querydr: gateway returned %d", resp.StatusCode())
	}
	if resp.IsError() {
		return nil, retry.Permanent(fmt.Errorf("querydr: gateway returned %d", resp.StatusCode()))
	}
	return &out, nil
}
