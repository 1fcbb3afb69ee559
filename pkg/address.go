package pkg

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// ShortAddress 地址指纹, 用于日志
func ShortAddress(address string) string {
	if address == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(address))
	return base58.Encode(sum[:8])
}
