package wallet

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/wx-shi/ringledger/internal/model"
)

const keyBits = 2048

// Wallet holds the node key pair. Its address is the PEM export of the public key.
type Wallet struct {
	key     *rsa.PrivateKey
	address string
}

func New() (*Wallet, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, err
	}
	return FromKey(key)
}

func FromKey(key *rsa.PrivateKey) (*Wallet, error) {
	address, err := ExportAddress(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Wallet{key: key, address: address}, nil
}

// LoadOrCreate reads a PKCS#1 PEM private key from path, generating and
// persisting one when the file does not exist.
func LoadOrCreate(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		w, err := New()
		if err != nil {
			return nil, err
		}
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(w.key)}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			return nil, err
		}
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no pem block in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return FromKey(key)
}

func (w *Wallet) Address() string {
	return w.address
}

// Sign produces a PKCS#1 v1.5 signature over a SHA-256 digest.
func (w *Wallet) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, w.key, crypto.SHA256, digest)
}

// SignHex signs a hex-encoded SHA-256 digest such as a transaction id.
func (w *Wallet) SignHex(digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, err
	}
	return w.Sign(digest)
}

// Balance sums the outputs the wallet owns in utxos.
func (w *Wallet) Balance(utxos model.UTXOSet) decimal.Decimal {
	return utxos.Balance(w.address)
}

// ExportAddress encodes a public key as a PKIX PEM block.
func ExportAddress(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ImportAddress parses an address back into an RSA public key.
func ImportAddress(address string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(address))
	if block == nil {
		return nil, errors.New("address is not a pem block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("address is not an rsa key")
	}
	return rsaPub, nil
}

// Verify checks sig over digest against the key encoded in address.
func Verify(address string, digest, sig []byte) error {
	pub, err := ImportAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	return nil
}

// VerifyHex is Verify for a hex-encoded digest.
func VerifyHex(address, digestHex string, sig []byte) error {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidHash, err)
	}
	return Verify(address, digest, sig)
}
