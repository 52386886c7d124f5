package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	methodPlaceOrder = "market_placeStorageOrder"
	methodReplicas   = "market_fileReplicas"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type orderParams struct {
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}

type orderResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash"`
	Block   int64  `json:"block"`
	Reason  string `json:"reason"`
}

// WSClient speaks JSON-RPC 2.0 over a single websocket session. Calls are
// serialized; the session is not safe for concurrent requests.
type WSClient struct {
	cfg    Config
	dialer websocket.Dialer
	log    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	session bool
	nextID  uint64
}

func NewWSClient(cfg Config) *WSClient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &WSClient{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    slog.With("component", "ledger", "mode", "ws"),
	}
}

func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialLocked(ctx); err != nil {
		return err
	}
	c.session = true
	return nil
}

func (c *WSClient) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		return fmt.Errorf("websocket connect %s: %w", c.cfg.Endpoint, err)
	}
	c.conn = conn
	c.log.Info("connected", "endpoint", c.cfg.Endpoint)
	return nil
}

func (c *WSClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Order places a storage order, retrying transport failures and rejections
// up to MaxAttempts with RetryDelay between attempts. A malformed CID is
// refused without contacting the ledger.
func (c *WSClient) Order(ctx context.Context, id string, size int64) (Receipt, error) {
	if err := validateCID(id); err != nil {
		return Receipt{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		receipt, err := c.placeOrder(ctx, id, size)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ErrNotConnected) {
			return Receipt{}, err
		}
		lastErr = err

		if attempt < c.cfg.MaxAttempts {
			c.log.Warn("order attempt failed, retrying",
				"cid", id, "attempt", attempt, "max", c.cfg.MaxAttempts, "error", err)
			select {
			case <-ctx.Done():
				return Receipt{}, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}
	return Receipt{}, fmt.Errorf("order %s: all %d attempts failed: %w", id, c.cfg.MaxAttempts, lastErr)
}

func (c *WSClient) placeOrder(ctx context.Context, id string, size int64) (Receipt, error) {
	var res orderResult
	if err := c.call(ctx, methodPlaceOrder, orderParams{CID: id, Size: size}, &res); err != nil {
		return Receipt{}, err
	}
	if !res.Success {
		return Receipt{}, fmt.Errorf("%w: %s", ErrRejected, res.Reason)
	}
	return Receipt{CID: id, Size: size, TxHash: res.TxHash, Block: res.Block}, nil
}

// Replicas returns the replica count the ledger reports for id.
func (c *WSClient) Replicas(ctx context.Context, id string) (int, error) {
	if err := validateCID(id); err != nil {
		return 0, err
	}
	var res struct {
		Replicas int `json:"replicas"`
	}
	if err := c.call(ctx, methodReplicas, map[string]string{"cid": id}, &res); err != nil {
		return 0, err
	}
	return res.Replicas, nil
}

// call performs one request/response exchange. A transport failure drops the
// session so the next call redials.
func (c *WSClient) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.session {
		return ErrNotConnected
	}
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return err
		}
	}

	c.nextID++
	id := c.nextID

	deadline := time.Time{}
	if c.cfg.CallTimeout > 0 {
		deadline = time.Now().Add(c.cfg.CallTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.conn.WriteJSON(req); err != nil {
		c.dropLocked()
		return fmt.Errorf("send %s: %w", method, err)
	}

	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.dropLocked()
			return fmt.Errorf("read %s response: %w", method, err)
		}
		if resp.ID == nil || *resp.ID != id {
			// subscription notification or a late reply to an abandoned call
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = false
	if c.conn == nil {
		return nil
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}
