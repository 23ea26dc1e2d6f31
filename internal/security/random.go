package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// GenerateRandomString returns a hex-encoded random string of the given length.
func GenerateRandomString(length int) (string, error) {
	if length <= 0 {
		return "", nil
	}
	bytes := make([]byte, (length+1)/2)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return "", fmt.Errorf("generate random string: %w", err)
	}
	return hex.EncodeToString(bytes)[:length], nil
}

// GenerateWebhookSecret returns a signing secret for webhook integrations.
func GenerateWebhookSecret() (string, error) {
	secret, err := GenerateRandomString(48)
	if err != nil {
		return "", err
	}
	return "whsec_" + secret, nil
}
