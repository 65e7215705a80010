// Package storage keeps message bodies in S3-compatible object storage.
//
// Bodies are addressed by the BLAKE3 hash of their content, so a message
// delivered to several maildrops is stored once. When encryption is enabled,
// bodies are sealed client-side with AES-256-GCM before upload.
//
//	s3, err := storage.New(cfg.S3)
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = s3.Put(ctx, key, body)
//	body, err := s3.Get(ctx, key)
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/circuitbreaker"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/pkg/retry"
)

var ErrObjectNotFound = errors.New("object not found")

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
	backoff       retry.BackoffConfig
	breaker       *circuitbreaker.CircuitBreaker
}

// New connects a client for cfg. It does not contact the endpoint.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
		backoff: retry.BackoffConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      3,
			OperationName:   "s3",
		},
	}
	settings := circuitbreaker.DefaultSettings("s3")
	settings.IsSuccessful = func(err error) bool {
		return err == nil || isNotFound(err) || errors.Is(err, context.Canceled)
	}
	s.breaker = circuitbreaker.NewCircuitBreaker(settings)
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption turns on client-side encryption with a hex encoded 32 byte key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: Client-side encryption enabled")
	return nil
}

// Ping checks that the bucket is reachable.
func (s *S3Storage) Ping(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.BucketName, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

// Exists reports whether key is present, with the version to delete.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, string, error) {
	objInfo, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, objInfo.VersionID, nil
	}
	if isNotFound(err) {
		return false, "", nil
	}
	return false, "", fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	}()

	payload := data
	if s.Encrypt {
		sealed, err := s.encryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		payload = sealed
	}

	err := s.call(ctx, func() error {
		_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(payload), int64(len(payload)),
			minio.PutObjectOptions{SendContentMd5: true})
		if err != nil && isPermanent(err) {
			return retry.Stop(err)
		}
		return err
	})

	metrics.S3OperationsTotal.WithLabelValues("PUT", classifyS3Error(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	metrics.MessageSizeBytes.WithLabelValues("s3_put").Observe(float64(len(data)))
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	var data []byte
	err := s.call(ctx, func() error {
		object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer object.Close()

		data, err = io.ReadAll(object)
		if err != nil && isPermanent(err) {
			return retry.Stop(err)
		}
		return err
	})

	metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}

	if s.Encrypt {
		plain, err := s.decryptData(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", key, err)
		}
		return plain, nil
	}
	return data, nil
}

// Delete removes key. A missing object counts as deleted.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	}()

	exists, versionID, err := s.Exists(ctx, key)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
		return err
	}
	if !exists {
		logger.Debug("STORAGE: Object does not exist in S3 - skipping deletion", "key", key)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}

	err = s.call(ctx, func() error {
		return s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{VersionID: versionID})
	})
	metrics.S3OperationsTotal.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// call runs fn with retries behind the circuit breaker.
func (s *S3Storage) call(ctx context.Context, fn func() error) error {
	return s.breaker.Call(ctx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, fn, s.backoff)
	})
}

func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (s *S3Storage) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == http.StatusNotFound || minioErr.Code == "NoSuchKey"
	}
	return false
}

// isPermanent reports errors a retry cannot fix.
func isPermanent(err error) bool {
	switch classifyS3Error(err) {
	case "not_found", "access_denied", "canceled":
		return true
	}
	return false
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "success"
	}
	if isNotFound(err) {
		return "not_found"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
