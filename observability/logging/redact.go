package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in emitted log lines.
const RedactedValue = "[REDACTED]"

// Attribute keys containing any of these fragments are masked by the handler
// installed in Setup, whatever the caller passed.
var sensitiveFragments = []string{
	"passphrase",
	"password",
	"private_key",
	"secret",
	"token",
	"authorization",
	"dsn",
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// ShortAddress keeps the head and tail of a wallet address, enough to correlate
// log lines with an explorer.
func ShortAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// Wallet is ShortAddress as an attribute.
func Wallet(key, addr string) slog.Attr {
	return slog.String(key, ShortAddress(addr))
}
