package core

import (
	"encoding/binary"
	"math/big"
	"sort"

	"PerpClearing/internal/clearinghouse"
	"PerpClearing/internal/ledger"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const GenesisHashSeed = "PerpClearing:genesis:v1"

// StateHasher chains state hashes across sequences
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: blake3.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash calculates state_hash[N] = BLAKE3(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := blake3.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip (snapshot restore).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// digest accumulates canonical bytes. Every variable-length field is length
// prefixed so distinct states never serialise to the same bytes.
type digest struct {
	buf []byte
}

func (d *digest) str(s string) {
	d.buf = binary.LittleEndian.AppendUint32(d.buf, uint32(len(s)))
	d.buf = append(d.buf, s...)
}

func (d *digest) int64(v int64) {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, uint64(v))
}

func (d *digest) bigInt(v *big.Int) {
	if v == nil {
		d.buf = append(d.buf, 0xff)
		return
	}
	d.buf = append(d.buf, byte(v.Sign()+1))
	d.str(string(v.Bytes()))
}

// computeStateDigest serialises the state a command could have touched: the
// pools of its markets, the trader's account and orders, and every ledger
// account moved by its batches.
func computeStateDigest(ch *clearinghouse.ClearingHouse, markets []string, trader uuid.UUID, batches []*ledger.Batch) []byte {
	d := &digest{buf: make([]byte, 0, 256)}

	for _, m := range markets {
		pool, err := ch.Exchange().Pool(m)
		if err != nil {
			continue
		}
		d.str(m)
		d.bigInt(pool.SqrtPriceX96)
		d.int64(int64(pool.Tick))
		d.bigInt(pool.Liquidity)
		d.bigInt(pool.FeeGrowthGlobalX128.ToBig())
		d.bigInt(pool.FundingGlobal.PremiumX18)
		d.bigInt(pool.FundingGlobal.PremiumPerSqrtX96)
	}

	if trader != uuid.Nil {
		d.str(trader.String())
		for _, pos := range ch.Accounts().GetPositions(trader) {
			d.str(pos.Market)
			d.bigInt(pos.Size)
			d.bigInt(pos.OpenNotional)
			d.bigInt(pos.OwedRealizedPnl)
			d.bigInt(pos.LastFundingGrowthX18)
		}
		for _, m := range markets {
			for _, id := range ch.Orders().GetOpenOrderIDs(trader, m) {
				o, ok := ch.Orders().GetOpenOrder(id)
				if !ok {
					continue
				}
				d.str(id)
				d.bigInt(o.Liquidity)
				d.bigInt(o.BaseDebt)
				d.bigInt(o.QuoteDebt)
				d.bigInt(o.FundingLast.GlobalX18)
			}
		}
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, b := range batches {
		for _, j := range b.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	tracker := ch.Vault().Tracker()
	for _, key := range accounts {
		d.str(key.AccountPath())
		d.int64(tracker.GetBalance(key))
	}

	return d.buf
}
