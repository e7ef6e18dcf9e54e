package domain

// Pool is a static registry entry mapping a liquidity pool to its trading pair.
// Supplied by configuration; read-only to the feed core. Multiple pools may
// serve the same pair and are merged into one pair-level series at read time.
type Pool struct {
	PoolID     string // pool contract address
	PairID     string // canonical pair, e.g. "WETH-USDC"
	BaseAsset  string
	QuoteAsset string
	FeeTierBps int // pool fee tier in basis points
}
