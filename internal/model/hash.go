package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatTime is the canonical text form of a timestamp inside hash inputs.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// TransactionID hashes sender ‖ receiver ‖ amount ‖ inputs with no separators.
// Outputs and signature are excluded, so the id is stable before signing.
func TransactionID(sender, receiver string, amount decimal.Decimal, inputs []string) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte(receiver))
	h.Write([]byte(amount.String()))
	for _, in := range inputs {
		h.Write([]byte(in))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OutputID hashes txID ‖ receiver ‖ amount.
func OutputID(txID, receiver string, amount decimal.Decimal) string {
	h := sha256.New()
	h.Write([]byte(txID))
	h.Write([]byte(receiver))
	h.Write([]byte(amount.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// BlockPreimage is every transaction id ‖ previousHash ‖ timestamp. The nonce is
// appended to it by the proof-of-work search.
func BlockPreimage(txIDs []string, previousHash string, timestamp time.Time) []byte {
	var sb strings.Builder
	for _, id := range txIDs {
		sb.WriteString(id)
	}
	sb.WriteString(previousHash)
	sb.WriteString(FormatTime(timestamp))
	return []byte(sb.String())
}

// BlockHash hashes the block preimage followed by the nonce.
func BlockHash(previousHash string, timestamp time.Time, nonce string, txIDs []string) string {
	return HashWithNonce(BlockPreimage(txIDs, previousHash, timestamp), nonce)
}

func HashWithNonce(preimage []byte, nonce string) string {
	h := sha256.New()
	h.Write(preimage)
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// MeetsDifficulty reports whether the first difficulty hex digits of hash are '0'.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty > len(hash) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

// ChainHash hashes the JSON encoding of the chain. It returns the raw digest,
// which is what gets signed, and its hex form.
func ChainHash(c Chain) ([]byte, string, error) {
	return jsonDigest(c)
}

// RingHash hashes the JSON encoding of the ring.
func RingHash(r Ring) ([]byte, string, error) {
	return jsonDigest(r)
}

func jsonDigest(v interface{}) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(b)
	return sum[:], hex.EncodeToString(sum[:]), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
