// Package idgen generates identifiers for orders and gateway references.
package idgen

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// paymentRefAlphabet is restricted to characters the gateway accepts in vnp_TxnRef.
const paymentRefAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// PaymentRef returns a merchant reference of the form ORD<unix-ms><6 chars>.
func PaymentRef(now time.Time) string {
	return "ORD" + strconv.FormatInt(now.UnixMilli(), 10) + Code(6)
}

// Code returns n random characters from the upper-case alphanumeric alphabet.
func Code(n int) string {
	max := big.NewInt(int64(len(paymentRefAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = paymentRefAlphabet[idx.Int64()]
	}
	return string(b)
}
