package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrEmptySecret = errors.New("gateway secret is empty")
)

// Separator joins the order and payment ids into the canonical signing string,
// matching what the gateway signs on its side.
const Separator = "|"

// Sign computes the hex-encoded HMAC-SHA256 of "orderID|paymentID" under the
// gateway's shared secret.
func Sign(secret, orderID, paymentID string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + Separator + paymentID))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether the supplied signature matches the expected HMAC for
// the (orderID, paymentID) pair. The comparison is constant time.
func Verify(secret, orderID, paymentID, supplied string) (bool, error) {
	expected, err := Sign(secret, orderID, paymentID)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(supplied)), nil
}
