// Package solana provides validation helpers for Solana base-58 identifiers.
package solana

import "strings"

// base58Alphabet is the Bitcoin-style base-58 alphabet used by Solana.
// It excludes the easily-confused characters 0, O, I and l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	// MinAddressLen is the minimum length of a base-58 encoded public key.
	MinAddressLen = 32

	// MaxAddressLen is the maximum length of a base-58 encoded public key.
	MaxAddressLen = 44

	// MinSignatureLen is the minimum length of a base-58 encoded transaction signature.
	MinSignatureLen = 64

	// MaxSignatureLen is the maximum length of a base-58 encoded transaction signature.
	MaxSignatureLen = 88
)

// IsValidAddress reports whether addr looks like a well-formed wallet address:
// 32 to 44 characters, all drawn from the base-58 alphabet.
func IsValidAddress(addr string) bool {
	if len(addr) < MinAddressLen || len(addr) > MaxAddressLen {
		return false
	}

	return isBase58(addr)
}

// IsValidSignature reports whether sig looks like a well-formed transaction
// signature: 64 to 88 base-58 characters.
func IsValidSignature(sig string) bool {
	if len(sig) < MinSignatureLen || len(sig) > MaxSignatureLen {
		return false
	}

	return isBase58(sig)
}

func isBase58(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}

	return true
}
