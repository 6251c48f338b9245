package anchor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client submits batches to the anchoring service over HTTP. Requests
// are signed with HMAC-SHA256 over the body so the service can attribute
// submissions without holding an interactive session.
type Client struct {
	endpoint   string
	contract   string
	signingKey []byte
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientConfig struct {
	Endpoint        string
	ContractAddress string
	SigningKey      string
	RequestTimeout  time.Duration
	Logger          *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		contract:   cfg.ContractAddress,
		signingKey: []byte(cfg.SigningKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}
}

type recordRequest struct {
	Seq        uint64 `json:"seq"`
	MerkleRoot string `json:"merkle_root"`
	ChainHash  string `json:"chain_hash"`
	LogCount   int    `json:"log_count"`
}

type recordResponse struct {
	Tx          string `json:"tx"`
	BlockHeight int64  `json:"block_height"`
}

type countResponse struct {
	Count uint64 `json:"count"`
}

func (c *Client) TotalBatches(ctx context.Context) (uint64, error) {
	var out countResponse
	if err := c.get(ctx, c.url("batches/count"), &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) RecordBatch(ctx context.Context, seq uint64, merkleRoot, chainHash string, logCount int) (string, int64, error) {
	body, err := json.Marshal(recordRequest{
		Seq:        seq,
		MerkleRoot: merkleRoot,
		ChainHash:  chainHash,
		LogCount:   logCount,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("batches"), bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Anchor-Signature", c.sign(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("anchor submission failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusConflict:
		return "", 0, fmt.Errorf("%w: seq %d rejected: %s", ErrStaleSequence, seq, respBody)
	case resp.StatusCode >= 400:
		return "", 0, fmt.Errorf("anchor service returned %d: %s", resp.StatusCode, respBody)
	}

	var out recordResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", 0, fmt.Errorf("invalid anchor response: %w", err)
	}
	c.logger.Debug("batch anchored",
		zap.Uint64("seq", seq),
		zap.String("tx", out.Tx),
		zap.Int64("block_height", out.BlockHeight))
	return out.Tx, out.BlockHeight, nil
}

func (c *Client) GetBatch(ctx context.Context, seq uint64) (*Batch, error) {
	var out Batch
	if err := c.get(ctx, c.url(fmt.Sprintf("batches/%d", seq)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetLatestBatch(ctx context.Context) (*Batch, error) {
	var out Batch
	if err := c.get(ctx, c.url("batches/latest"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/contracts/%s/%s", c.endpoint, c.contract, path)
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anchor read failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return ErrBatchNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("anchor service returned %d: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
