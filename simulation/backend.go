package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/provider"
)

// Backend runs one transaction simulation against a single upstream.
type Backend interface {
	Name() string
	Simulate(ctx context.Context, tx *core.TxRequest, chain string) (*Result, error)
}

// revertError marks a definitive simulation verdict as opposed to a
// transport failure. Reverts do not fall through to the next backend.
type revertError struct {
	reason string
}

func (e *revertError) Error() string { return e.reason }

func isRevert(err error) (string, bool) {
	var re *revertError
	if errors.As(err, &re) {
		return re.reason, true
	}
	msg := err.Error()
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return msg, true
	}
	return "", false
}

// localBackend simulates through the chain's own RPC client.
type localBackend struct {
	providers ProviderSource
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) Simulate(ctx context.Context, tx *core.TxRequest, chain string) (*Result, error) {
	client := b.providers.GetProvider(chain)
	if client == nil {
		return nil, core.ErrNoProvider
	}
	ret, err := client.CallContract(ctx, ethereum.CallMsg{
		To:    tx.To,
		Data:  tx.Data,
		Value: tx.Value,
		Gas:   tx.GasLimit,
	}, nil)
	if err != nil {
		if reason, ok := isRevert(err); ok {
			return nil, &revertError{reason: reason}
		}
		return nil, err
	}
	return &Result{Success: true, ReturnValue: ret}, nil
}

// rpcRequest is a minimal JSON-RPC 2.0 envelope for the hosted simulation
// gateways.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// httpBackend runs eth_call against a hosted JSON-RPC gateway. Tenderly and
// Alchemy both speak this dialect; Tenderly additionally wants an access-key
// header.
type httpBackend struct {
	name      string
	url       string
	accessKey string
	client    *http.Client
}

func (b *httpBackend) Name() string { return b.name }

func (b *httpBackend) Simulate(ctx context.Context, tx *core.TxRequest, chain string) (*Result, error) {
	call := map[string]any{
		"to":   tx.To,
		"data": hexutil.Encode(tx.Data),
	}
	if tx.Value != nil && tx.Value.Sign() > 0 {
		call["value"] = hexutil.EncodeBig(tx.Value)
	}
	if tx.GasLimit > 0 {
		call["gas"] = hexutil.EncodeUint64(tx.GasLimit)
	}
	payload, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params:  []any{call, "latest"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.accessKey != "" {
		req.Header.Set("X-Access-Key", b.accessKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", b.name, resp.StatusCode, body)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", b.name, err)
	}
	if rpcResp.Error != nil {
		if reason, ok := isRevert(fmt.Errorf("%s", rpcResp.Error.Message)); ok {
			return nil, &revertError{reason: reason}
		}
		return nil, fmt.Errorf("%s rpc error %d: %s", b.name, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	var ret hexutil.Bytes
	if err := json.Unmarshal(rpcResp.Result, &ret); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", b.name, err)
	}
	return &Result{Success: true, ReturnValue: ret}, nil
}

// ProviderSource resolves a chain's RPC client for the local backend.
type ProviderSource interface {
	GetProvider(chain string) provider.Client
}
