// Package aggregator implements the refund client for the Alipay/WeChat
// payment aggregator: an RSA-signed form POST against the gateway, with
// optional verification of the signed JSON response.
package aggregator

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/httputil"
	"github.com/privnode/zelo-refund/internal/logger"
)

// OrderNoField selects which identifier names the original payment.
type OrderNoField string

const (
	FieldTradeNo    OrderNoField = "trade_no"
	FieldOutTradeNo OrderNoField = "out_trade_no"
)

// Config holds gateway credentials and endpoints.
type Config struct {
	BaseURL    string
	PID        string
	PrivateKey string
	PublicKey  string // optional; responses are verified when set
	SignType   string // "RSA2" (SHA-256, default) or "RSA" (SHA-1)
	Timeout    time.Duration
}

// Client signs and submits refund requests to the aggregator gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	hash       crypto.Hash
}

// RefundRequest describes one refund leg against a prior aggregator payment.
// OutRefundNo doubles as the idempotency key: the gateway deduplicates
// repeated submissions carrying the same value.
type RefundRequest struct {
	OrderNoField OrderNoField
	OrderNo      string
	MoneyYuan    string // two-decimal yuan string
	OutRefundNo  string
	Timestamp    int64 // unix seconds; zero means now
}

// RefundResponse is the normalized gateway reply.
type RefundResponse struct {
	Code     int             `json:"code"`
	Msg      string          `json:"msg"`
	RefundNo string          `json:"refund_no"`
	TradeNo  string          `json:"trade_no"`
	Sign     string          `json:"sign"`
	Raw      json.RawMessage `json:"-"`
}

// NewClient parses key material and prepares the HTTP client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.PID == "" {
		return nil, errors.New("aggregator: base URL and pid are required")
	}
	priv, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("aggregator: parse private key: %w", err)
	}

	var pub *rsa.PublicKey
	if cfg.PublicKey != "" {
		pub, err = ParsePublicKey(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("aggregator: parse public key: %w", err)
		}
	}

	hash := crypto.SHA256
	if strings.EqualFold(cfg.SignType, "RSA") {
		hash = crypto.SHA1
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: httputil.NewClient(timeout),
		privateKey: priv,
		publicKey:  pub,
		hash:       hash,
	}, nil
}

// Refund submits one refund leg. The gateway treats out_refund_no as an
// idempotency key, so retrying a request with the same value never
// double-refunds.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	if req.OrderNo == "" || req.OutRefundNo == "" {
		return nil, apperrors.New(apperrors.CodeAggregatorError, "order number and refund number are required")
	}
	field := req.OrderNoField
	if field == "" {
		field = FieldTradeNo
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	params := map[string]string{
		"pid":           c.cfg.PID,
		string(field):   req.OrderNo,
		"money":         req.MoneyYuan,
		"out_refund_no": req.OutRefundNo,
		"timestamp":     strconv.FormatInt(ts, 10),
		"sign_type":     c.signTypeName(),
	}

	sign, err := c.sign(params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAggregatorError, "sign refund request", err)
	}
	params["sign"] = sign

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refundURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAggregatorError, "build refund request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAggregatorError, "aggregator gateway unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAggregatorError, "read gateway response", err)
	}

	var parsed RefundResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAggregatorError, "gateway returned non-JSON response", err)
	}
	parsed.Raw = json.RawMessage(body)

	if c.publicKey != nil && parsed.Sign != "" {
		if err := c.verifyResponse(body, parsed.Sign); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSignatureInvalid, "gateway response signature invalid", err)
		}
	}

	if parsed.Code != 0 {
		log := logger.FromContext(ctx)
		log.Warn().
			Int("code", parsed.Code).
			Str("out_refund_no", req.OutRefundNo).
			Msg("aggregator.refund_rejected")
		return nil, apperrors.Newf(apperrors.CodeAggregatorError, "gateway rejected refund: %s", parsed.Msg)
	}
	return &parsed, nil
}

// canonicalString builds the signing payload: drop sign/sign_type and empty
// values, sort keys in ASCII byte order, join as k1=v1&k2=v2.
func canonicalString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func (c *Client) sign(params map[string]string) (string, error) {
	digest := c.digest(canonicalString(params))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.privateKey, c.hash, digest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// verifyResponse checks the gateway signature over the response JSON object
// with sign removed, canonicalized the same way as requests. Non-string
// scalar values participate in their JSON rendering.
func (c *Client) verifyResponse(body []byte, sign string) error {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return err
	}

	params := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			params[k] = val
		case float64:
			params[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			params[k] = strconv.FormatBool(val)
		case nil:
			// dropped by canonicalization
		default:
			// arrays and objects are excluded from the signing payload
		}
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return err
	}
	digest := c.digest(canonicalString(params))
	return rsa.VerifyPKCS1v15(c.publicKey, c.hash, digest, sigBytes)
}

func (c *Client) digest(payload string) []byte {
	if c.hash == crypto.SHA1 {
		sum := sha1.Sum([]byte(payload))
		return sum[:]
	}
	sum := sha256.Sum256([]byte(payload))
	return sum[:]
}

func (c *Client) signTypeName() string {
	if c.hash == crypto.SHA1 {
		return "RSA"
	}
	return "RSA2"
}

func (c *Client) refundURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/api/refund"
}
