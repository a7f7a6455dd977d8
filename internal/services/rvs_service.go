package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"subsBack/internal/models"
)

const rvsVerifyPath = "version/1.0/verifyReceiptId/"

type RVSConfig struct {
	// Пример: https://appstore-sdk.amazon.com/ (sandbox RVS runs on the dev box)
	BaseURL         string
	DeveloperSecret string

	// Retry policy for 500s and transport failures. 4xx responses are terminal.
	MaxAttempts int
	RetryBase   time.Duration

	Client *http.Client
	Logger *slog.Logger

	// Optional: cache verified receipts so history replays skip repeat calls.
	Redis    *redis.Client
	CacheTTL time.Duration
}

// RVSService talks to the vendor's Receipt Verification Service.
type RVSService struct {
	baseURL *url.URL
	secret  string

	maxAttempts int
	retryBase   time.Duration

	httpClient *http.Client
	logger     *slog.Logger

	rdb      *redis.Client
	cacheTTL time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// RVSError is a vendor-defined verification failure.
type RVSError struct {
	StatusCode int
	Reason     string
}

func (e *RVSError) Error() string {
	return fmt.Sprintf("rvs: %s (status %d)", e.Reason, e.StatusCode)
}

// Terminal reports whether retrying the same receipt can ever succeed.
func (e *RVSError) Terminal() bool {
	return e.StatusCode != http.StatusInternalServerError
}

func NewRVSService(cfg RVSConfig) (*RVSService, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.DeveloperSecret) == "" {
		return nil, fmt.Errorf("rvs: base_url and developer_secret are required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RVSService{
		baseURL:     u,
		secret:      cfg.DeveloperSecret,
		maxAttempts: attempts,
		retryBase:   base,
		httpClient:  client,
		logger:      logger,
		rdb:         cfg.Redis,
		cacheTTL:    ttl,
		sleep:       sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *RVSService) verifyURL(userID, receiptID string) string {
	u := *s.baseURL
	u.Path = path.Join(u.Path, rvsVerifyPath) + "/"
	q := url.Values{}
	q.Set("developer", s.secret)
	q.Set("user", userID)
	q.Set("receiptId", receiptID)
	u.RawQuery = q.Encode()
	return u.String()
}

// VerifyReceipt confirms a receipt with RVS. A receipt counts as verified
// only when the service answers 200 with a parseable body; every vendor error
// code maps to a verification failure for this receipt.
func (s *RVSService) VerifyReceipt(ctx context.Context, userID, receiptID string) (models.RVSReceipt, error) {
	if strings.TrimSpace(receiptID) == "" {
		return models.RVSReceipt{}, fmt.Errorf("rvs: receipt_id is required")
	}

	if cached, ok := s.cached(ctx, receiptID); ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.retryBase<<(attempt-1)); err != nil {
				return models.RVSReceipt{}, err
			}
		}
		receipt, err := s.verifyOnce(ctx, userID, receiptID)
		if err == nil {
			s.cache(ctx, receiptID, receipt)
			return receipt, nil
		}
		lastErr = err
		var rvsErr *RVSError
		if errors.As(err, &rvsErr) && rvsErr.Terminal() {
			return models.RVSReceipt{}, err
		}
		s.logger.Warn("rvs verify retry", "receipt_id", receiptID, "attempt", attempt+1, "err", err)
	}
	return models.RVSReceipt{}, lastErr
}

func (s *RVSService) verifyOnce(ctx context.Context, userID, receiptID string) (models.RVSReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.verifyURL(userID, receiptID), nil)
	if err != nil {
		return models.RVSReceipt{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.RVSReceipt{}, fmt.Errorf("rvs request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return models.RVSReceipt{}, fmt.Errorf("read rvs body: %w", err)
		}
		var receipt models.RVSReceipt
		if err := json.Unmarshal(body, &receipt); err != nil {
			return models.RVSReceipt{}, fmt.Errorf("parse rvs body: %w", err)
		}
		return receipt, nil
	case http.StatusBadRequest:
		return models.RVSReceipt{}, &RVSError{StatusCode: resp.StatusCode, Reason: "invalid receiptId"}
	case 496:
		return models.RVSReceipt{}, &RVSError{StatusCode: resp.StatusCode, Reason: "invalid developerSecret"}
	case 497:
		return models.RVSReceipt{}, &RVSError{StatusCode: resp.StatusCode, Reason: "invalid userId"}
	case http.StatusInternalServerError:
		return models.RVSReceipt{}, &RVSError{StatusCode: resp.StatusCode, Reason: "internal server error"}
	default:
		return models.RVSReceipt{}, &RVSError{StatusCode: resp.StatusCode, Reason: "undefined response code"}
	}
}

func (s *RVSService) cacheKey(receiptID string) string {
	return "rvs:receipt:" + receiptID
}

func (s *RVSService) cached(ctx context.Context, receiptID string) (models.RVSReceipt, bool) {
	if s.rdb == nil {
		return models.RVSReceipt{}, false
	}
	data, err := s.rdb.Get(ctx, s.cacheKey(receiptID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("rvs cache read failed", "err", err)
		}
		return models.RVSReceipt{}, false
	}
	var receipt models.RVSReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return models.RVSReceipt{}, false
	}
	return receipt, true
}

func (s *RVSService) cache(ctx context.Context, receiptID string, receipt models.RVSReceipt) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, s.cacheKey(receiptID), data, s.cacheTTL).Err(); err != nil {
		s.logger.Warn("rvs cache write failed", "err", err)
	}
}
