// Package notary anchors compliance records to an external attestation
// service. The anchor is best effort: when the notary is unreachable the
// record carries a local hash-derived transaction id instead, and the
// action is never blocked on notarization.
package notary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"veridion/pkg/httpx"
)

// HashPayload is the canonical digest stored on every record, computed
// before encryption so erasure does not invalidate it.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// LocalTxID derives the fallback transaction id from the payload hash.
func LocalTxID(payloadHash string) string {
	return "sha256:" + payloadHash
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	Retries    int
	RetryDelay time.Duration
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTP:       &http.Client{Timeout: 5 * time.Second},
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

type sealRequest struct {
	SealID      string `json:"seal_id"`
	PayloadHash string `json:"payload_hash"`
}

type sealResponse struct {
	TxID string `json:"tx_id"`
}

// Seal requests an attestation for a record. It always returns a usable
// transaction id: the remote one when the notary answered, the local
// fallback otherwise. The second return reports whether the anchor is
// remote.
func (c *Client) Seal(ctx context.Context, sealID, payloadHash string) (string, bool) {
	if c == nil || c.BaseURL == "" {
		return LocalTxID(payloadHash), false
	}
	body, err := json.Marshal(sealRequest{SealID: sealID, PayloadHash: payloadHash})
	if err != nil {
		return LocalTxID(payloadHash), false
	}
	headers := map[string]string{}
	if c.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.APIKey
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/attestations", body, headers, c.Retries, c.RetryDelay)
	if err != nil || status != http.StatusOK {
		return LocalTxID(payloadHash), false
	}
	var resp sealResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.TxID == "" {
		return LocalTxID(payloadHash), false
	}
	return resp.TxID, true
}
