package domain

// RawLog is one undecoded on-chain log record as delivered by a chain source.
type RawLog struct {
	PoolID      string // emitting pool address
	BlockNumber int64
	BlockHash   string
	LogIndex    int
	Timestamp   int64  // block timestamp, Unix milliseconds
	Topic       string // event signature topic
	Data        string // undecoded payload
}

// Known log topics emitted by supported pool types.
const (
	TopicSwapBuy  = "swap.buy"
	TopicSwapSell = "swap.sell"
)

// BlockHeader carries the linkage data needed for reorg verification.
type BlockHeader struct {
	Number     int64
	Hash       string
	ParentHash string
	Timestamp  int64 // Unix milliseconds
}

// BlockLogs is one block's header plus its logs ordered by LogIndex.
type BlockLogs struct {
	Header BlockHeader
	Logs   []*RawLog
}

// ChainCursor is the per-chain acceptance state. Mutated only by the reorg
// detector. Invariant: every accepted block's parent hash equals the previous
// LastBlockHash, otherwise a reorg is in progress.
type ChainCursor struct {
	ChainID         string
	LastBlockNumber int64
	LastBlockHash   string
	FinalizedBlock  int64 // highest block treated as immutable (head - finality depth)
}
