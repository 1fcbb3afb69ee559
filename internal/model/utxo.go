package model

import "github.com/shopspring/decimal"

// UTXOSet indexes unspent outputs by receiver address, then by output id.
type UTXOSet map[string]map[string]TransactionOutput

func (s UTXOSet) Add(out TransactionOutput) {
	byID, ok := s[out.ReceiverAddress]
	if !ok {
		byID = make(map[string]TransactionOutput)
		s[out.ReceiverAddress] = byID
	}
	byID[out.ID] = out
}

func (s UTXOSet) Get(address, id string) (TransactionOutput, bool) {
	out, ok := s[address][id]
	return out, ok
}

func (s UTXOSet) Remove(address, id string) {
	delete(s[address], id)
}

// Outputs returns the outputs owned by address in ascending id order.
func (s UTXOSet) Outputs(address string) []TransactionOutput {
	byID := s[address]
	outs := make([]TransactionOutput, 0, len(byID))
	for _, id := range sortedKeys(byID) {
		outs = append(outs, byID[id])
	}
	return outs
}

// Balance sums every output owned by address.
func (s UTXOSet) Balance(address string) decimal.Decimal {
	total := decimal.Zero
	for _, out := range s[address] {
		total = total.Add(out.Amount)
	}
	return total
}

func (s UTXOSet) Clone() UTXOSet {
	c := make(UTXOSet, len(s))
	for addr, byID := range s {
		m := make(map[string]TransactionOutput, len(byID))
		for id, out := range byID {
			m[id] = out
		}
		c[addr] = m
	}
	return c
}
