package domain

import "strings"

// NormalizeRecipient reduces a contact identifier to the bare digits used as
// both the ledger key and the transport address.
func NormalizeRecipient(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
