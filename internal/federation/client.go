package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"exposure-distribution-service/internal/domain"
)

// ゲートウェイとの間で使うヘッダ。
const (
	HeaderBatchTag       = "batchTag"
	HeaderNextBatchTag   = "nextBatchTag"
	HeaderBatchSignature = "batchSignature"
	HeaderClientSHA256   = "X-SSL-Client-SHA256"
	HeaderClientDN       = "X-SSL-Client-DN"

	// EmptyHeader はヘッダ値が存在しないことを表す。
	EmptyHeader = "null"

	ContentTypeProtobuf = "application/protobuf; version=1.0"
	ContentTypeJSON     = "application/json; version=1.0"
)

// ClientConfig はゲートウェイクライアントの設定を表す。
type ClientConfig struct {
	BaseURL           string
	CertificateSHA256 string
	CertificateDN     string
	Timeout           time.Duration
	MaxRetries        uint64
	RetryInterval     time.Duration
	// Transport が nil の場合は http.DefaultTransport を使う。
	Transport http.RoundTripper
}

// Client はフェデレーションゲートウェイのHTTPクライアント。
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient は新しいClientを生成する。
func NewClient(cfg ClientConfig) *Client {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
	}
}

// Download は指定日のバッチを取得する。batchTag が空の場合はその日の最初のバッチ。
// 本文が解析できない場合はタグを埋めたバッチと ErrMalformedBatch を返す。
func (c *Client) Download(ctx context.Context, date time.Time, batchTag string) (*domain.FederationBatch, error) {
	url := fmt.Sprintf("%s/diagnosiskeys/download/%s", strings.TrimRight(c.cfg.BaseURL, "/"), date.Format(time.DateOnly))

	var (
		body         []byte
		tag, nextTag string
	)
	err := c.retry(ctx, "download", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuthHeaders(req)
		req.Header.Set("Accept", ContentTypeProtobuf)
		if batchTag != "" {
			req.Header.Set(HeaderBatchTag, batchTag)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
		}
		defer resp.Body.Close()
		if err := checkStatus(resp, http.StatusOK); err != nil {
			return err
		}

		tag = headerValue(resp, HeaderBatchTag)
		nextTag = headerValue(resp, HeaderNextBatchTag)
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch := &domain.FederationBatch{BatchTag: tag, NextBatchTag: nextTag}
	if tag == "" {
		return batch, fmt.Errorf("%w: response without %s header", domain.ErrMalformedBatch, HeaderBatchTag)
	}
	keys, err := UnmarshalBatch(body)
	if err != nil {
		return batch, err
	}
	batch.Keys = keys
	return batch, nil
}

// Upload はバッチを送信する。201 の場合は全件作成済み、207 の場合は鍵ごとの結果を返す。
func (c *Client) Upload(ctx context.Context, batch UploadBatch) (*domain.UploadResult, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/diagnosiskeys/upload"

	var result *domain.UploadResult
	err := c.retry(ctx, "upload", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(batch.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuthHeaders(req)
		req.Header.Set("Content-Type", ContentTypeProtobuf)
		req.Header.Set("Accept", ContentTypeJSON)
		req.Header.Set(HeaderBatchTag, batch.Tag)
		req.Header.Set(HeaderBatchSignature, batch.Signature)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
		}
		defer resp.Body.Close()
		if err := checkStatus(resp, http.StatusCreated, http.StatusMultiStatus); err != nil {
			return err
		}

		if resp.StatusCode == http.StatusCreated {
			result = &domain.UploadResult{Created: allIndices(len(batch.Keys))}
			return nil
		}
		var multi multiStatus
		if err := json.NewDecoder(resp.Body).Decode(&multi); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: multi-status body: %v", domain.ErrGatewayUnavailable, err))
		}
		result = &domain.UploadResult{Created: multi.Created, Conflict: multi.Conflict, Failed: multi.Failed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) retry(ctx context.Context, operation string, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 10 * c.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "federation gateway request failed, retrying",
			"operation", operation,
			"wait", wait,
			"error", err,
		)
	})
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.cfg.CertificateSHA256 != "" {
		req.Header.Set(HeaderClientSHA256, c.cfg.CertificateSHA256)
	}
	if c.cfg.CertificateDN != "" {
		req.Header.Set(HeaderClientDN, c.cfg.CertificateDN)
	}
}

// checkStatus は5xxを再試行対象、それ以外の想定外ステータスを恒久エラーとして返す。
func checkStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	switch {
	case resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(domain.ErrGatewayUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(domain.ErrBatchNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("%w: status %d: %s", domain.ErrGatewayUnavailable, resp.StatusCode, msg))
	}
}

func headerValue(resp *http.Response, name string) string {
	v := strings.TrimSpace(resp.Header.Get(name))
	if v == EmptyHeader {
		return ""
	}
	return v
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

type multiStatus struct {
	Created  indexList `json:"201"`
	Conflict indexList `json:"409"`
	Failed   indexList `json:"500"`
}

// indexList は数値または数値文字列のインデックス配列。
type indexList []int

func (l *indexList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(indexList, 0, len(raw))
	for _, r := range raw {
		var n int
		if err := json.Unmarshal(r, &n); err == nil {
			out = append(out, n)
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		out = append(out, n)
	}
	*l = out
	return nil
}
