// Package objectstore は書き出したツリーをS3互換オブジェクトストアへ公開する。
package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/metrics"
	"exposure-distribution-service/internal/structure"
)

// HashMetadataKey はオブジェクトの内容ハッシュを保持するユーザーメタデータのキー。
const HashMetadataKey = "cwa-hash"

// Config はオブジェクトストアの接続と公開の設定を表す。
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Secure    bool
	// Prefix は全オブジェクト名の先頭に付くパス。
	Prefix       string
	Concurrency  int
	MaxFailures  int
	CacheControl string
}

// Client は公開に使うオブジェクトストア操作。*minio.Client が満たす。
type Client interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// NewMinioClient は設定からminioクライアントを生成する。
func NewMinioClient(cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Region: cfg.Region,
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return client, nil
}

// Result は公開結果の件数を表す。
type Result struct {
	Uploaded int
	Skipped  int
	Failed   int
}

// Publisher はローカルに書き出したツリーを差分アップロードする。
type Publisher struct {
	client    Client
	cfg       Config
	localRoot string
	metrics   *metrics.Metrics
}

// NewPublisher は新しいPublisherを生成する。
func NewPublisher(client Client, cfg Config, localRoot string, m *metrics.Metrics) *Publisher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Publisher{client: client, cfg: cfg, localRoot: localRoot, metrics: m}
}

type localFile struct {
	rel  string
	abs  string
	hash string
}

// Publish はローカルのツリーを公開する。ハッシュが一致するオブジェクトは送らない。
// 失敗数が MaxFailures を超えた場合は ErrPublishFailed を返す。
func (p *Publisher) Publish(ctx context.Context) (*Result, error) {
	files, err := p.scanLocal()
	if err != nil {
		return nil, err
	}
	remote := p.remoteHashes(ctx)

	result := &Result{}
	var pending []localFile
	for _, f := range files {
		if remote[p.objectName(f.rel)] == f.hash {
			result.Skipped++
			continue
		}
		pending = append(pending, f)
	}

	var uploaded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, f := range pending {
		g.Go(func() error {
			if err := p.put(gctx, f); err != nil {
				slog.ErrorContext(gctx, "failed to upload object",
					"operation", "publish",
					"object", p.objectName(f.rel),
					"error", err,
				)
				failed.Add(1)
				return nil
			}
			uploaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result.Uploaded = int(uploaded.Load())
	result.Failed = int(failed.Load())
	p.metrics.AddPublished("uploaded", result.Uploaded)
	p.metrics.AddPublished("skipped", result.Skipped)
	p.metrics.AddPublished("failed", result.Failed)

	slog.InfoContext(ctx, "publish finished",
		"operation", "publish",
		"uploaded", result.Uploaded,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	if result.Failed > p.cfg.MaxFailures {
		return result, fmt.Errorf("%w: %d of %d uploads failed", domain.ErrPublishFailed, result.Failed, len(pending))
	}
	return result, nil
}

// scanLocal は公開対象のファイルを集める。チェックサムファイルは送らず、対応するファイルのハッシュとして使う。
func (p *Publisher) scanLocal() ([]localFile, error) {
	var files []localFile
	err := filepath.WalkDir(p.localRoot, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(abs, structure.ChecksumSuffix) {
			return nil
		}
		rel, err := filepath.Rel(p.localRoot, abs)
		if err != nil {
			return err
		}
		hash, err := fileHash(abs)
		if err != nil {
			return err
		}
		files = append(files, localFile{rel: filepath.ToSlash(rel), abs: abs, hash: hash})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.localRoot, err)
	}
	return files, nil
}

func fileHash(abs string) (string, error) {
	if sum, err := os.ReadFile(abs + structure.ChecksumSuffix); err == nil {
		return strings.TrimSpace(string(sum)), nil
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// remoteHashes は既存オブジェクトのハッシュを取得する。一覧取得の失敗は全件送信として扱う。
func (p *Publisher) remoteHashes(ctx context.Context) map[string]string {
	hashes := make(map[string]string)
	for obj := range p.client.ListObjects(ctx, p.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:       p.prefix(),
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			slog.WarnContext(ctx, "failed to list objects, uploading everything",
				"operation", "publish",
				"error", obj.Err,
			)
			return map[string]string{}
		}
		hashes[obj.Key] = metadataValue(obj.UserMetadata, HashMetadataKey)
	}
	return hashes
}

func (p *Publisher) put(ctx context.Context, f localFile) error {
	b, err := os.ReadFile(f.abs)
	if err != nil {
		return err
	}
	_, err = p.client.PutObject(ctx, p.cfg.Bucket, p.objectName(f.rel), bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
		ContentType:  contentType(b),
		CacheControl: p.cfg.CacheControl,
		UserMetadata: map[string]string{HashMetadataKey: f.hash},
	})
	return err
}

// DeleteDatesBefore は date/<YYYY-MM-DD> 配下のうち cutoff より前の日付のオブジェクトを削除する。
func (p *Publisher) DeleteDatesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cutoff = cutoff.UTC().Truncate(24 * time.Hour)
	var (
		mu      sync.Mutex
		targets []string
	)
	for obj := range p.client.ListObjects(ctx, p.cfg.Bucket, minio.ListObjectsOptions{Prefix: p.prefix(), Recursive: true}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("list objects: %w", obj.Err)
		}
		if d, ok := objectDate(obj.Key); ok && d.Before(cutoff) {
			targets = append(targets, obj.Key)
		}
	}

	deleted := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, key := range targets {
		g.Go(func() error {
			if err := p.client.RemoveObject(gctx, p.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("remove %s: %w", key, err)
			}
			mu.Lock()
			deleted++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	p.metrics.AddPublished("deleted", deleted)
	return deleted, err
}

func (p *Publisher) prefix() string {
	if p.cfg.Prefix == "" {
		return ""
	}
	return strings.Trim(p.cfg.Prefix, "/") + "/"
}

func (p *Publisher) objectName(rel string) string {
	return path.Join(strings.Trim(p.cfg.Prefix, "/"), rel)
}

// objectDate はオブジェクト名に含まれる date/<YYYY-MM-DD> の日付を返す。
func objectDate(key string) (time.Time, bool) {
	parts := strings.Split(key, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != "date" {
			continue
		}
		if d, err := time.Parse(time.DateOnly, parts[i+1]); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// metadataValue はユーザーメタデータを大文字小文字と x-amz-meta- 接頭辞を無視して引く。
func metadataValue(meta map[string]string, key string) string {
	for k, v := range meta {
		name := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if name == key {
			return v
		}
	}
	return ""
}

func contentType(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("PK\x03\x04")):
		return "application/zip"
	case bytes.HasPrefix(b, []byte("[")), bytes.HasPrefix(b, []byte("{")):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
