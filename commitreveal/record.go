package commitreveal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Commitment lifecycle states.
const (
	StatusCommitted = "COMMITTED"
	StatusRevealed  = "REVEALED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED_AFTER_RETRY"
)

// Record is one commitment's durable state. Integer amounts serialize as
// decimal strings so arbitrary precision survives the round trip.
type Record struct {
	Commitment   common.Hash
	Chain        string
	Asset        common.Address
	AmountIn     *big.Int
	SwapPath     []common.Address
	MinProfit    *big.Int
	AmountOutMin *big.Int
	Deadline     int64 // unix seconds
	Salt         common.Hash
	CommitBlock  uint64
	RevealBlock  uint64 // CommitBlock + 1; reveals below this block are rejected
	Status       string
	CreatedAt    int64 // unix ms
}

type recordJSON struct {
	Commitment   common.Hash      `json:"commitment"`
	Chain        string           `json:"chain"`
	Asset        common.Address   `json:"asset"`
	AmountIn     string           `json:"amountIn"`
	SwapPath     []common.Address `json:"swapPath"`
	MinProfit    string           `json:"minProfit"`
	AmountOutMin string           `json:"amountOutMin"`
	Deadline     int64            `json:"deadline"`
	Salt         common.Hash      `json:"salt"`
	CommitBlock  uint64           `json:"commitBlock"`
	RevealBlock  uint64           `json:"revealBlock"`
	Status       string           `json:"status"`
	CreatedAt    int64            `json:"createdAt"`
}

func bigToDec(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.Text(10)
}

func decToBig(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal string for %s: %q", field, s)
	}
	return x, nil
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(&recordJSON{
		Commitment:   r.Commitment,
		Chain:        r.Chain,
		Asset:        r.Asset,
		AmountIn:     bigToDec(r.AmountIn),
		SwapPath:     r.SwapPath,
		MinProfit:    bigToDec(r.MinProfit),
		AmountOutMin: bigToDec(r.AmountOutMin),
		Deadline:     r.Deadline,
		Salt:         r.Salt,
		CommitBlock:  r.CommitBlock,
		RevealBlock:  r.RevealBlock,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	amountIn, err := decToBig("amountIn", w.AmountIn)
	if err != nil {
		return err
	}
	minProfit, err := decToBig("minProfit", w.MinProfit)
	if err != nil {
		return err
	}
	amountOutMin, err := decToBig("amountOutMin", w.AmountOutMin)
	if err != nil {
		return err
	}
	*r = Record{
		Commitment:   w.Commitment,
		Chain:        w.Chain,
		Asset:        w.Asset,
		AmountIn:     amountIn,
		SwapPath:     w.SwapPath,
		MinProfit:    minProfit,
		AmountOutMin: amountOutMin,
		Deadline:     w.Deadline,
		Salt:         w.Salt,
		CommitBlock:  w.CommitBlock,
		RevealBlock:  w.RevealBlock,
		Status:       w.Status,
		CreatedAt:    w.CreatedAt,
	}
	return nil
}

// CommitmentHash derives the deterministic commitment over the packed
// parameters. The same inputs always collide, which is what makes the
// duplicate check meaningful.
func CommitmentHash(asset common.Address, amountIn *big.Int, swapPath []common.Address, minProfit *big.Int, deadline int64, salt common.Hash) common.Hash {
	var packed []byte
	packed = append(packed, asset.Bytes()...)
	packed = append(packed, common.LeftPadBytes(amountIn.Bytes(), 32)...)
	for _, hop := range swapPath {
		packed = append(packed, hop.Bytes()...)
	}
	packed = append(packed, common.LeftPadBytes(minProfit.Bytes(), 32)...)
	var dl [8]byte
	binary.BigEndian.PutUint64(dl[:], uint64(deadline))
	packed = append(packed, dl[:]...)
	packed = append(packed, salt.Bytes()...)
	return crypto.Keccak256Hash(packed)
}
