package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const (
	HeaderSignature = "X-Flagship-Signature"
	HeaderTimestamp = "X-Flagship-Timestamp"
)

// ComputeHMAC generates an HMAC signature for the given payload using the secret
func ComputeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies that the provided signature matches the computed HMAC
func VerifySignature(payload []byte, signature string, secret string) bool {
	expected := ComputeHMAC(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// SignRequest signs "<timestamp>.<body>" so a captured body cannot be replayed
// under a different timestamp.
func SignRequest(body []byte, timestampMs int64, secret string) string {
	ts := strconv.FormatInt(timestampMs, 10)
	payload := make([]byte, 0, len(ts)+1+len(body))
	payload = append(payload, ts...)
	payload = append(payload, '.')
	payload = append(payload, body...)
	return ComputeHMAC(payload, secret)
}
