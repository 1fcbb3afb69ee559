package wallet

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wx-shi/ringledger/internal/model"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	other, err := New()
	require.NoError(t, err)

	tx := model.NewTransaction(w.Address(), other.Address(), decimal.NewFromInt(7), []string{"a", "b"})
	sig, err := w.SignHex(tx.ID)
	require.NoError(t, err)
	require.NoError(t, VerifyHex(w.Address(), tx.ID, sig))

	err = VerifyHex(other.Address(), tx.ID, sig)
	require.True(t, errors.Is(err, model.ErrInvalidSignature))

	sig[0] ^= 0xff
	err = VerifyHex(w.Address(), tx.ID, sig)
	require.True(t, errors.Is(err, model.ErrInvalidSignature))
}

func TestImportAddress(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	pub, err := ImportAddress(w.Address())
	require.NoError(t, err)
	require.Equal(t, w.key.PublicKey.N, pub.N)

	_, err = ImportAddress("not a key")
	require.Error(t, err)
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pem")
	w1, err := LoadOrCreate(path)
	require.NoError(t, err)
	w2, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, w1.Address(), w2.Address())
}
