package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cryptofl/roundledger/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = time.Minute
	maxUploadRetries   = 4
)

// IPFS uploads through a Kubo node or the Pinata pinning API and downloads
// through the node or the configured gateways.
type IPFS struct {
	apiURL    string
	pinURL    string
	pinataJWT string
	gateways  []string

	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	// retryInterval is the first backoff interval between attempts
	retryInterval time.Duration
}

// NewIPFS creates an IPFS store. Uploads go to Pinata when a JWT is configured.
func NewIPFS(cfg *config.ContentConfig, logger *zap.Logger) *IPFS {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &IPFS{
		apiURL:        strings.TrimRight(cfg.APIURL, "/"),
		pinURL:        cfg.PinURL,
		pinataJWT:     cfg.PinataJWT,
		gateways:      append([]string(nil), cfg.Gateways...),
		client:        &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(limit, 1),
		logger:        logger,
		retryInterval: 500 * time.Millisecond,
	}
}

func (s *IPFS) Put(ctx context.Context, name string, data []byte) (string, error) {
	var (
		id  string
		err error
	)
	if s.pinataJWT != "" {
		id, err = s.upload(ctx, s.pinURL, name, data, "IpfsHash")
	} else if s.apiURL != "" {
		id, err = s.upload(ctx, s.apiURL+"/api/v0/add?pin=true&cid-version=1", name, data, "Hash")
	} else {
		err = errors.New("neither a pinning service nor an ipfs api is configured")
	}
	if err != nil {
		return "", &Error{Op: "put", Err: err}
	}

	s.logger.Info("Published content",
		zap.String("name", name),
		zap.String("cid", id),
		zap.Int("bytes", len(data)))
	return id, nil
}

func (s *IPFS) upload(ctx context.Context, endpoint, name string, data []byte, hashField string) (string, error) {
	var id string
	operation := func() error {
		body, contentType, err := multipartBody(name, data)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		if s.pinataJWT != "" {
			req.Header.Set("Authorization", "Bearer "+s.pinataJWT)
		}

		raw, err := s.do(ctx, req)
		if err != nil {
			return err
		}

		var resp map[string]interface{}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode upload response: %w", err))
		}
		hash, _ := resp[hashField].(string)
		if hash == "" {
			return backoff.Permanent(fmt.Errorf("upload response has no %s field", hashField))
		}
		id = hash
		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Content upload failed, retrying",
			zap.String("name", name),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, s.backoff(ctx), notify); err != nil {
		return "", err
	}
	return id, nil
}

func (s *IPFS) Get(ctx context.Context, id string) ([]byte, error) {
	var errs []error
	if s.apiURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/api/v0/cat?arg="+url.QueryEscape(id), nil)
		if err == nil {
			data, err := s.do(ctx, req)
			if err == nil {
				return data, nil
			}
			errs = append(errs, err)
		}
	}

	for _, gateway := range s.gateways {
		target := gateway + id
		if !strings.HasSuffix(gateway, "/") {
			target = gateway + "/" + id
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		data, err := s.do(ctx, req)
		if err != nil {
			s.logger.Debug("Gateway fetch failed", zap.String("gateway", gateway), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		return data, nil
	}

	if len(errs) == 0 {
		errs = append(errs, ErrNotFound)
	}
	return nil, &Error{Op: "get", ID: id, Err: errors.Join(errs...)}
}

// do waits for the limiter, runs req and returns the body of a 2xx response.
// Client errors are permanent, everything else may be retried.
func (s *IPFS) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Redacted(), resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return body, nil
}

func (s *IPFS) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxElapsedTime = s.client.Timeout
	return backoff.WithContext(backoff.WithMaxRetries(b, maxUploadRetries), ctx)
}

func multipartBody(name string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
