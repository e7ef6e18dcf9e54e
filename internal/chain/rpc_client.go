package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"dexfeed/internal/domain"
)

// JSONRPCClient talks to an EVM node over HTTP JSON-RPC.
type JSONRPCClient struct {
	endpoint  string
	client    *http.Client
	requestID atomic.Uint64
}

// Compile-time interface check.
var _ RPCClient = (*JSONRPCClient)(nil)

// NewJSONRPCClient creates a client for an HTTP JSON-RPC endpoint. httpClient
// may be nil; a 30s-timeout default is used.
func NewJSONRPCClient(endpoint string, httpClient *http.Client) *JSONRPCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &JSONRPCClient{endpoint: endpoint, client: httpClient}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcHeader struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

type rpcLog struct {
	Address     string   `json:"address"`
	BlockNumber string   `json:"blockNumber"`
	BlockHash   string   `json:"blockHash"`
	LogIndex    string   `json:"logIndex"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

// HeadNumber returns the current chain tip height.
func (c *JSONRPCClient) HeadNumber(ctx context.Context) (int64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", nil, &result); err != nil {
		return 0, err
	}
	return parseHexInt(result)
}

// HeaderByNumber returns the canonical header at a height.
func (c *JSONRPCClient) HeaderByNumber(ctx context.Context, number int64) (domain.BlockHeader, error) {
	var result rpcHeader
	params := []interface{}{hexInt(number), false}
	if err := c.call(ctx, "eth_getBlockByNumber", params, &result); err != nil {
		return domain.BlockHeader{}, err
	}
	if result.Hash == "" {
		return domain.BlockHeader{}, fmt.Errorf("block %d not available", number)
	}

	num, err := parseHexInt(result.Number)
	if err != nil {
		return domain.BlockHeader{}, fmt.Errorf("block number: %w", err)
	}
	ts, err := parseHexInt(result.Timestamp)
	if err != nil {
		return domain.BlockHeader{}, fmt.Errorf("block timestamp: %w", err)
	}

	return domain.BlockHeader{
		Number:     num,
		Hash:       result.Hash,
		ParentHash: result.ParentHash,
		Timestamp:  ts * 1000, // block timestamps are in seconds
	}, nil
}

// Logs returns swap logs emitted by the given pools in [from, to].
func (c *JSONRPCClient) Logs(ctx context.Context, from, to int64, pools []string) ([]*domain.RawLog, error) {
	filter := map[string]interface{}{
		"fromBlock": hexInt(from),
		"toBlock":   hexInt(to),
	}
	if len(pools) > 0 {
		filter["address"] = pools
	}

	var result []rpcLog
	if err := c.call(ctx, "eth_getLogs", []interface{}{filter}, &result); err != nil {
		return nil, err
	}

	logs := make([]*domain.RawLog, 0, len(result))
	for _, l := range result {
		num, err := parseHexInt(l.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("log block number: %w", err)
		}
		idx, err := parseHexInt(l.LogIndex)
		if err != nil {
			return nil, fmt.Errorf("log index: %w", err)
		}

		topic := ""
		if len(l.Topics) > 0 {
			topic = l.Topics[0]
		}

		logs = append(logs, &domain.RawLog{
			PoolID:      l.Address,
			BlockNumber: num,
			BlockHash:   l.BlockHash,
			LogIndex:    int(idx),
			Topic:       topic,
			Data:        l.Data,
		})
	}
	return logs, nil
}

// call performs one JSON-RPC round trip.
func (c *JSONRPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, data)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// hexInt formats a block number as 0x-prefixed hex.
func hexInt(n int64) string {
	return "0x" + strconv.FormatInt(n, 16)
}

// parseHexInt parses a 0x-prefixed hex quantity.
func parseHexInt(s string) (int64, error) {
	if len(s) < 3 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return 0, fmt.Errorf("invalid hex quantity %q", s)
	}
	return strconv.ParseInt(s[2:], 16, 64)
}
