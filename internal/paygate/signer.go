package paygate

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// PaymentRequest describes one hosted-checkout payment.
type PaymentRequest struct {
	TxnRef    string // merchant reference, unique per order
	Amount    int64  // VND
	OrderInfo string
	IPAddr    string
	CreatedAt time.Time
	ExpiresAt time.Time // optional; defaults to CreatedAt plus the configured expiry
	BankCode  string    // optional; preselects a bank on the checkout page
}

// Result is the verified outcome of a callback.
type Result struct {
	Success       bool   `json:"success"`
	ResponseCode  string `json:"responseCode"`
	TxnRef        string `json:"txnRef"`
	Amount        int64  `json:"amount"` // VND, already divided by 100
	TransactionNo string `json:"transactionNo,omitempty"`
	BankCode      string `json:"bankCode,omitempty"`
	CardType      string `json:"cardType,omitempty"`
	PayDate       string `json:"payDate,omitempty"`
}

// Signer builds and verifies signed gateway messages.
type Signer struct {
	cfg Config
}

// NewSigner creates a signer. Returns ErrGatewayConfig when credentials are missing.
func NewSigner(cfg Config) (*Signer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExpireIn <= 0 {
		cfg.ExpireIn = 15 * time.Minute
	}
	return &Signer{cfg: cfg}, nil
}

// BuildPaymentURL returns the signed hosted-checkout URL for req.
func (s *Signer) BuildPaymentURL(req PaymentRequest) (string, error) {
	if req.TxnRef == "" {
		return "", errors.New("paygate: txn ref is required")
	}
	if req.Amount <= 0 {
		return "", errors.New("paygate: amount must be positive")
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	expires := req.ExpiresAt
	if expires.IsZero() {
		expires = created.Add(s.cfg.ExpireIn)
	}
	if !expires.After(created) {
		return "", errors.New("paygate: expiry must be after creation")
	}
	ip := req.IPAddr
	if ip == "" {
		ip = "127.0.0.1"
	}

	params := map[string]string{
		"vnp_Version":    Version,
		"vnp_Command":    CommandPay,
		"vnp_TmnCode":    s.cfg.TmnCode,
		"vnp_Locale":     LocaleVN,
		"vnp_CurrCode":   CurrencyVND,
		"vnp_TxnRef":     req.TxnRef,
		"vnp_OrderInfo":  req.OrderInfo,
		"vnp_OrderType":  OrderTypeOther,
		"vnp_Amount":     strconv.FormatInt(req.Amount*100, 10),
		"vnp_ReturnUrl":  s.cfg.ReturnURL,
		"vnp_IpAddr":     ip,
		"vnp_CreateDate": FormatDate(created),
		"vnp_ExpireDate": FormatDate(expires),
	}
	if req.BankCode != "" {
		params["vnp_BankCode"] = req.BankCode
	}

	data := Canonical(params)
	return s.cfg.PayURL + "?" + data + "&" + ParamSecureHash + "=" + Sign(s.cfg.HashSecret, data), nil
}

// Verify checks a callback's signature and extracts its outcome. A valid
// signature with a non-success response code yields Result.Success == false
// and a nil error.
func (s *Signer) Verify(params map[string]string) (*Result, error) {
	provided := params[ParamSecureHash]
	if provided == "" || !validSignature(s.cfg.HashSecret, Canonical(params), provided) {
		return nil, ErrInvalidSignature
	}

	ref := params["vnp_TxnRef"]
	if ref == "" {
		return nil, fmt.Errorf("%w: vnp_TxnRef missing", ErrMalformedCallback)
	}
	raw, err := strconv.ParseInt(params["vnp_Amount"], 10, 64)
	if err != nil || raw < 0 {
		return nil, fmt.Errorf("%w: vnp_Amount %q", ErrMalformedCallback, params["vnp_Amount"])
	}

	code := params["vnp_ResponseCode"]
	return &Result{
		Success:       code == ResponseSuccess,
		ResponseCode:  code,
		TxnRef:        ref,
		Amount:        raw / 100,
		TransactionNo: params["vnp_TransactionNo"],
		BankCode:      params["vnp_BankCode"],
		CardType:      params["vnp_CardType"],
		PayDate:       params["vnp_PayDate"],
	}, nil
}

// VerifyQuery is Verify for raw URL query values.
func (s *Signer) VerifyQuery(values url.Values) (*Result, error) {
	return s.Verify(Flatten(values))
}

// CallbackParams describes a callback the gateway would send.
type CallbackParams struct {
	TxnRef        string
	Amount        int64 // VND
	ResponseCode  string
	TransactionNo string
	BankCode      string
	CardType      string
	PaidAt        time.Time
}

// SignedCallback produces the parameters of a gateway callback signed with
// the merchant secret. Used to simulate payments in development.
func (s *Signer) SignedCallback(p CallbackParams) map[string]string {
	paid := p.PaidAt
	if paid.IsZero() {
		paid = time.Now()
	}
	params := map[string]string{
		"vnp_TmnCode":           s.cfg.TmnCode,
		"vnp_TxnRef":            p.TxnRef,
		"vnp_Amount":            strconv.FormatInt(p.Amount*100, 10),
		"vnp_ResponseCode":      p.ResponseCode,
		"vnp_TransactionStatus": p.ResponseCode,
		"vnp_TransactionNo":     p.TransactionNo,
		"vnp_BankCode":          p.BankCode,
		"vnp_CardType":          p.CardType,
		"vnp_OrderInfo":         "Thanh toan don hang " + p.TxnRef,
		"vnp_PayDate":           FormatDate(paid),
	}
	params[ParamSecureHash] = Sign(s.cfg.HashSecret, Canonical(params))
	return params
}
