package domain

// SwapEvent is a single DEX trade execution normalized from a raw on-chain log.
// Uniquely identified by (BlockNumber, LogIndex) within a pool. Never mutated
// after creation; reorg replay re-normalizes the raw log into an identical value.
type SwapEvent struct {
	PoolID      string  // liquidity pool address
	PairID      string  // canonical trading pair the pool serves
	BlockNumber int64   // chain block number the swap executed in
	LogIndex    int     // index of the log within the block
	Timestamp   int64   // block timestamp in Unix milliseconds
	Price       float64 // executed price (quote per base)
	BaseVolume  float64 // base asset amount
	QuoteVolume float64 // quote asset amount
	Direction   string  // "buy" | "sell"
}

// Swap direction constants
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)
