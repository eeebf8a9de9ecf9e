// Package paygate speaks the VNPay 2.1.0 hosted-checkout protocol: it builds
// signed payment URLs, verifies signed callbacks, and queries transaction
// status through the merchant API.
//
// Signing uses one canonical form for both directions: parameter names sorted
// lexicographically, each rendered as name=QueryEscape(value), joined by '&'.
// The HMAC-SHA512 of that string under the merchant secret is sent as the
// lowercase hex vnp_SecureHash.
package paygate

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

var (
	// ErrGatewayConfig means the merchant credentials are missing. Fatal at startup.
	ErrGatewayConfig = errors.New("payment gateway is not configured")

	// ErrInvalidSignature means a callback's vnp_SecureHash did not match.
	ErrInvalidSignature = errors.New("invalid gateway signature")

	// ErrMalformedCallback means required callback parameters were missing or unparsable.
	ErrMalformedCallback = errors.New("malformed gateway callback")
)

const (
	Version        = "2.1.0"
	CommandPay     = "pay"
	CommandQuery   = "querydr"
	CurrencyVND    = "VND"
	LocaleVN       = "vn"
	OrderTypeOther = "other"

	// ResponseSuccess is the vnp_ResponseCode of an approved payment.
	ResponseSuccess = "00"

	ParamSecureHash     = "vnp_SecureHash"
	ParamSecureHashType = "vnp_SecureHashType"

	dateLayout = "20060102150405"
)

// gatewayZone is the timezone the gateway expects for all timestamps (GMT+7).
var gatewayZone = time.FixedZone("ICT", 7*60*60)

// FormatDate renders t in the gateway's yyyyMMddHHmmss GMT+7 layout.
func FormatDate(t time.Time) string {
	return t.In(gatewayZone).Format(dateLayout)
}

// ParseDate parses a gateway timestamp.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, gatewayZone)
}

// Config holds merchant credentials and endpoints.
type Config struct {
	TmnCode    string
	HashSecret string
	PayURL     string // hosted checkout, e.g. https://sandbox.vnpayment.vn/paymentv2/vpcpay.html
	APIURL     string // merchant API for querydr; optional
	ReturnURL  string // browser return URL
	ExpireIn   time.Duration
}

// Validate reports ErrGatewayConfig when required credentials are absent.
func (c Config) Validate() error {
	var missing []string
	if c.TmnCode == "" {
		missing = append(missing, "VNPAY_TMN_CODE")
	}
	if c.HashSecret == "" {
		missing = append(missing, "VNPAY_HASH_SECRET")
	}
	if c.PayURL == "" {
		missing = append(missing, "VNPAY_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrGatewayConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Canonical renders params in the signing form. vnp_SecureHash and
// vnp_SecureHashType are always excluded, as are empty values.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == ParamSecureHash || k == ParamSecureHashType || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Sign returns the lowercase hex HMAC-SHA512 of data under secret.
func Sign(secret, data string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// validSignature compares in constant time.
func validSignature(secret, data, provided string) bool {
	want := Sign(secret, data)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(provided)))
}

// Flatten converts query values to a single-valued map, keeping the first value.
func Flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
