package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIClient talks to a single TON HTTP API (toncenter v2 compatible) endpoint.
type APIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAPIClient(baseURL, apiKey string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Transactions returns up to limit transactions of address, newest first. A
// nil from starts at the latest transaction; otherwise the page starts at the
// transaction from points at, inclusive.
func (c *APIClient) Transactions(ctx context.Context, address string, limit int, from *Cursor) ([]Tx, error) {
	if limit < 1 {
		limit = 50
	}
	u, err := url.Parse(c.baseURL + "/getTransactions")
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("address", address)
	values.Set("limit", strconv.Itoa(limit))
	values.Set("archival", "false")
	if from != nil {
		values.Set("lt", strconv.FormatInt(from.LT, 10))
		values.Set("hash", from.Hash)
		values.Set("archival", "true")
	}
	u.RawQuery = values.Encode()

	var resp getTransactionsResponse
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Error != "" {
			return nil, fmt.Errorf("ton api: %s", resp.Error)
		}
		return nil, errors.New("ton api: request not ok")
	}

	out := make([]Tx, 0, len(resp.Result))
	for _, tx := range resp.Result {
		lt, err := parseInt64(tx.TransactionID.LT)
		if err != nil {
			return nil, err
		}
		out = append(out, Tx{
			Hash: tx.TransactionID.Hash,
			LT:   lt,
			Time: time.Unix(tx.Utime, 0).UTC(),
			In: Message{
				Source:      tx.InMsg.Source,
				Destination: tx.InMsg.Destination,
				Value:       tx.InMsg.Value,
				Comment:     messageComment(tx.InMsg),
			},
		})
	}
	return out, nil
}

func (c *APIClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("ton api http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("ton api http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseInt64(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("empty int string")
	}
	return strconv.ParseInt(v, 10, 64)
}

// messageComment prefers the decoded text comment and falls back to the raw
// msg.dataText payload, which the API returns base64 encoded.
func messageComment(msg apiMessage) string {
	if msg.Message != "" {
		return strings.TrimSpace(msg.Message)
	}
	if msg.MsgData.Type == "msg.dataText" {
		return strings.TrimSpace(decodeMaybeBase64(msg.MsgData.Text))
	}
	return ""
}

func decodeMaybeBase64(v string) string {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return v
	}
	if isMostlyPrintable(b) {
		return string(b)
	}
	return v
}

func isMostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 32 && c <= 126 {
			printable++
		}
	}
	return printable*100/len(b) >= 80
}

// API response types

type getTransactionsResponse struct {
	OK     bool    `json:"ok"`
	Error  string  `json:"error"`
	Result []apiTx `json:"result"`
}

type apiTx struct {
	Utime         int64 `json:"utime"`
	TransactionID struct {
		LT   string `json:"lt"`
		Hash string `json:"hash"`
	} `json:"transaction_id"`
	InMsg apiMessage `json:"in_msg"`
}

type apiMessage struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Value       string `json:"value"`
	Message     string `json:"message"`
	MsgData     struct {
		Type string `json:"@type"`
		Text string `json:"text"`
	} `json:"msg_data"`
}

// Parsed types

type Tx struct {
	Hash string
	LT   int64
	Time time.Time
	In   Message
}

// Cursor identifies a transaction in an account's history.
type Cursor struct {
	LT   int64
	Hash string
}

func (t Tx) Cursor() Cursor { return Cursor{LT: t.LT, Hash: t.Hash} }

// Message is the inbound message of a transaction. Value is in nanotoken units.
type Message struct {
	Source      string
	Destination string
	Value       string
	Comment     string
}
