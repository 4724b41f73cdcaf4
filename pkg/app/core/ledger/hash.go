package ledger

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// StateHash is a Keccak-256 digest over every entry and pending withdrawal in
// canonical order. Two ledgers with the same balances hash the same regardless
// of the order operations were applied in.
func (l *Ledger) StateHash() common.Hash {
	h := sha3.NewLegacyKeccak256()

	for _, r := range l.Entries() {
		h.Write([]byte{byte(r.Asset.Kind)})
		h.Write(r.Asset.Token[:])
		h.Write(r.Account[:])
		avail := r.Entry.Available.Bytes32()
		h.Write(avail[:])
		committed := r.Entry.Committed.Bytes32()
		h.Write(committed[:])
	}

	var idBuf [8]byte
	for _, w := range l.Pending() {
		binary.BigEndian.PutUint64(idBuf[:], w.ID)
		h.Write(idBuf[:])
		h.Write([]byte{byte(w.Asset.Kind)})
		h.Write(w.Asset.Token[:])
		h.Write(w.Account[:])
		amt := w.Amount.Bytes32()
		h.Write(amt[:])
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}
