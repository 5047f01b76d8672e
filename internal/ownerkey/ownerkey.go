// Package ownerkey derives the partition key that groups try-on
// sessions by client. The key is a salted SHA-256 of the caller's
// network address; the raw address is never persisted, so session
// records cannot be joined back to an IP without the salt.
package ownerkey

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// Derive returns the owner key for a client address. The address may
// include a port (API Gateway source addresses do not, X-Forwarded-For
// hops sometimes do); the port is stripped before hashing so a client
// keeps the same key across connections.
func Derive(clientAddr, salt string) string {
	host := clientAddr
	if h, _, err := net.SplitHostPort(clientAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)

	sum := sha256.Sum256([]byte(salt + "|" + host))
	return hex.EncodeToString(sum[:])
}

// FromForwardedFor extracts the client address the gateway vouches for
// from an X-Forwarded-For header value, falling back to remoteAddr when
// the header is empty. API Gateway appends the source address it saw to
// whatever the client sent, so only the last (rightmost) entry is
// trustworthy; everything before it is caller-controlled and must never
// feed identity, or a forged header mints a fresh quota per request.
func FromForwardedFor(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		entries := strings.Split(forwardedFor, ",")
		if addr := strings.TrimSpace(entries[len(entries)-1]); addr != "" {
			return addr
		}
	}
	return remoteAddr
}
