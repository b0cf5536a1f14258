// Package mempool implements chain.Backend against the mempool.space
// REST API, adapted from the teacher's chain/mempool client: the same
// rate-limited HTTP client with bounded retries, restyled around the
// endpoints this wallet daemon actually needs (tip, block headers,
// address history, tx broadcast, fee estimates) instead of asset-proof
// lookups.
package mempool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the REST client.
type Config struct {
	// BaseURL is the mempool.space-compatible API root, e.g.
	// "https://mempool.space/api".
	BaseURL string

	// RateLimit caps outgoing requests per second.
	RateLimit float64

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is retried.
	RetryAttempts int

	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration
}

// DefaultConfig returns sane defaults pointed at the public mempool.space
// instance.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://mempool.space/api",
		RateLimit:     4,
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// Client is a rate-limited HTTP client over a mempool.space-compatible
// REST API.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultConfig().RateLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("mempool: server error %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("mempool: request failed %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		return respBody, nil
	}
	return nil, fmt.Errorf("mempool: request failed after %d attempts: %w", c.cfg.RetryAttempts+1, lastErr)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *Client) tipHeight(ctx context.Context) (int32, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	var height int32
	if _, err := fmt.Sscanf(string(body), "%d", &height); err != nil {
		return 0, fmt.Errorf("mempool: parsing tip height: %w", err)
	}
	return height, nil
}

func (c *Client) blockHashAtHeight(ctx context.Context, height int32) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/block-height/%d", height), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

type blockHeader struct {
	ID        string `json:"id"`
	Height    int32  `json:"height"`
	Timestamp uint32 `json:"timestamp"`
}

func (c *Client) blockHeader(ctx context.Context, hash string) (*blockHeader, error) {
	var hdr blockHeader
	if err := c.getJSON(ctx, "/block/"+hash, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

type addressTxVout struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

type addressTxVin struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int32  `json:"block_height"`
	BlockTime   uint32 `json:"block_time"`
}

type addressTx struct {
	Txid   string          `json:"txid"`
	Vin    []addressTxVin  `json:"vin"`
	Vout   []addressTxVout `json:"vout"`
	Status txStatus        `json:"status"`
}

func (c *Client) addressTxs(ctx context.Context, address string) ([]addressTx, error) {
	var txs []addressTx
	if err := c.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *Client) tx(ctx context.Context, txid string) (*addressTx, error) {
	var t addressTx
	if err := c.getJSON(ctx, "/tx/"+txid, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) txHex(ctx context.Context, txid string) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/tx/"+txid+"/hex", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) postTxHex(ctx context.Context, hex string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/tx", strings.NewReader(hex))
	return err
}

type outspend struct {
	Spent  bool     `json:"spent"`
	Txid   string   `json:"txid"`
	Vin    uint32   `json:"vin"`
	Status txStatus `json:"status"`
}

func (c *Client) outspend(ctx context.Context, txid string, vout uint32) (*outspend, error) {
	var o outspend
	if err := c.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

type feeEstimates map[string]float64

func (c *Client) feeEstimates(ctx context.Context) (feeEstimates, error) {
	var est feeEstimates
	if err := c.getJSON(ctx, "/v1/fees/recommended", &est); err != nil {
		return nil, err
	}
	return est, nil
}
