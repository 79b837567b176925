// Package mirror публикует записи журнала FIT во внешний журнал аудита и доводит публикацию до конца.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrRejected возвращается, если внешний журнал ответил статусом, отличным от успешного.
var ErrRejected = errors.New("mirror rejected message")

// Submitter отправляет сообщение во внешний журнал и возвращает присвоенный номер последовательности.
type Submitter interface {
	Submit(ctx context.Context, msg Message) (int64, error)
}

// HTTPClient инкапсулирует HTTP-взаимодействие со шлюзом внешнего журнала.
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
}

type submitResponse struct {
	SequenceNumber *int64 `json:"sequenceNumber"`
}

// NewHTTPClient создаёт клиент шлюза внешнего журнала по указанному адресу.
// retries — число повторов при сетевых ошибках и ответах 5xx в рамках одной попытки публикации.
func NewHTTPClient(baseURL string, retries int, logger *zap.Logger) *HTTPClient {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	if logger != nil {
		client.Logger = leveledLogger{s: logger.Sugar()}
	} else {
		client.Logger = nil
	}

	return &HTTPClient{
		baseURL: base,
		client:  client,
	}
}

// Submit отправляет сообщение в канал и возвращает номер последовательности внешнего журнала.
func (c *HTTPClient) Submit(ctx context.Context, msg Message) (int64, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("mirror client not configured")
	}

	endpoint := fmt.Sprintf("%s/api/v1/channels/%s/messages", c.baseURL, url.PathEscape(msg.Channel))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, msg.Payload)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("X-Message-Id", msg.ID)
	req.Header.Set("X-Payload-Digest", msg.Digest)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if result.SequenceNumber == nil {
		return 0, fmt.Errorf("decode response: sequence number missing")
	}

	return *result.SequenceNumber, nil
}

// leveledLogger направляет журнал retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...interface{})  { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }
