package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// VerifySignature checks the platform's HMAC-SHA256 webhook signature over
// body. An empty secret disables verification.
func VerifySignature(platform, secret string, headers http.Header, body []byte) error {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	var header, prefix string
	switch platform {
	case PlatformGitHub:
		header, prefix = "X-Hub-Signature-256", "sha256="
	case PlatformLinear:
		header, prefix = "Linear-Signature", ""
	case PlatformNotion:
		header, prefix = "X-Notion-Signature", "sha256="
	default:
		return ErrUnknownPlatform
	}
	provided := strings.TrimSpace(headers.Get(header))
	if provided == "" {
		return ErrInvalidSignature
	}
	if prefix != "" {
		if !strings.HasPrefix(strings.ToLower(provided), prefix) {
			return ErrInvalidSignature
		}
		provided = provided[len(prefix):]
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(providedBytes, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature header value VerifySignature expects.
func Sign(platform, secret string, body []byte) (string, string) {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	sum := hex.EncodeToString(mac.Sum(nil))
	switch platform {
	case PlatformGitHub:
		return "X-Hub-Signature-256", "sha256=" + sum
	case PlatformLinear:
		return "Linear-Signature", sum
	default:
		return "X-Notion-Signature", "sha256=" + sum
	}
}
