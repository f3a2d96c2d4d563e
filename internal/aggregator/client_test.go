package aggregator

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

func testKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return string(block), key
}

func TestCanonicalString(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{
			name: "sorts keys and drops sign fields",
			params: map[string]string{
				"timestamp": "100",
				"pid":       "merchant1",
				"sign":      "xxx",
				"sign_type": "RSA2",
				"money":     "10.00",
			},
			want: "money=10.00&pid=merchant1&timestamp=100",
		},
		{
			name: "drops empty values",
			params: map[string]string{
				"a": "1",
				"b": "",
				"c": "3",
			},
			want: "a=1&c=3",
		},
		{
			name:   "empty map",
			params: map[string]string{},
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canonicalString(tt.params); got != tt.want {
				t.Errorf("canonicalString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePrivateKeyShapes(t *testing.T) {
	pemKey, _ := testKeyPEM(t)

	shapes := []struct {
		name string
		raw  string
	}{
		{"raw pem", pemKey},
		{"base64 of pem", base64.StdEncoding.EncodeToString([]byte(pemKey))},
		{"base64 der", func() string {
			block, _ := pem.Decode([]byte(pemKey))
			return base64.StdEncoding.EncodeToString(block.Bytes)
		}()},
	}
	for _, tt := range shapes {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePrivateKey(tt.raw); err != nil {
				t.Errorf("ParsePrivateKey(%s): %v", tt.name, err)
			}
		})
	}

	if _, err := ParsePrivateKey("not a key"); err == nil {
		t.Error("ParsePrivateKey accepted garbage")
	}
	if _, err := ParsePrivateKey(""); err == nil {
		t.Error("ParsePrivateKey accepted empty input")
	}
}

func TestRefundSignsAndParses(t *testing.T) {
	pemKey, key := testKeyPEM(t)

	var captured url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		captured = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "refund_no": "agg_r_1"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:    srv.URL,
		PID:        "merchant1",
		PrivateKey: pemKey,
		SignType:   "RSA2",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Refund(context.Background(), RefundRequest{
		OrderNoField: FieldTradeNo,
		OrderNo:      "2024010112345",
		MoneyYuan:    "10.00",
		OutRefundNo:  "aggregator_batch1_2024010112345_1000",
		Timestamp:    1700000000,
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if resp.RefundNo != "agg_r_1" {
		t.Errorf("refund_no = %q", resp.RefundNo)
	}

	// The posted form must carry a valid signature over the canonical string.
	params := map[string]string{}
	for k := range captured {
		params[k] = captured.Get(k)
	}
	if params["sign_type"] != "RSA2" {
		t.Errorf("sign_type = %q", params["sign_type"])
	}

	var keys []string
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	payload := strings.Join(pairs, "&")

	sig, err := base64.StdEncoding.DecodeString(params["sign"])
	if err != nil {
		t.Fatalf("decode sign: %v", err)
	}
	digest := sha256.Sum256([]byte(payload))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("posted signature does not verify: %v", err)
	}
}

func TestRefundGatewayRejection(t *testing.T) {
	pemKey, _ := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 4001, "msg": "order not found"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, PID: "merchant1", PrivateKey: pemKey})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Refund(context.Background(), RefundRequest{
		OrderNo:     "t1",
		MoneyYuan:   "1.00",
		OutRefundNo: "r1",
	})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "order not found") {
		t.Errorf("error should carry gateway message, got %v", err)
	}
}

func TestRefundNonJSONBody(t *testing.T) {
	pemKey, _ := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway error</html>"))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, PID: "merchant1", PrivateKey: pemKey})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.Refund(context.Background(), RefundRequest{
		OrderNo: "t1", MoneyYuan: "1.00", OutRefundNo: "r1",
	}); err == nil {
		t.Fatal("expected parse error for non-JSON body")
	}
}
