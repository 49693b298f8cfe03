package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/spec-kit/token-vending-machine/internal/chat"
)

const (
	// DefaultAPIURL is the public Bot API endpoint.
	DefaultAPIURL = "https://api.telegram.org"

	parseModeMarkdown = "Markdown"
	callTimeout       = 10 * time.Second
)

var allowedUpdates = []string{"message"}

// ClientConfig configures the Bot API client.
type ClientConfig struct {
	// BaseURL of the Bot API. Defaults to DefaultAPIURL.
	BaseURL string
	// Token issued by BotFather.
	Token string
	// Transport overrides the default HTTP transport.
	Transport http.RoundTripper
	// RetryMax is the number of retries on transient failures.
	RetryMax int
	Logger   *zap.Logger
}

// Client calls the Telegram Bot API.
type Client struct {
	baseURL string
	token   string
	logger  *zap.Logger
	http    *retryablehttp.Client
}

// NewClient constructs a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("missing bot token")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIURL
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  cfg.Logger,
	}
	c.http = &retryablehttp.Client{
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		HTTPClient:   &http.Client{Transport: cfg.Transport},
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 10 * time.Second,
		RetryMax:     cfg.RetryMax,
	}
	c.http.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, retryErr := retryablehttp.ErrorPropagatedRetryPolicy(ctx, resp, err)
		if retry {
			if retryErr != nil {
				err = retryErr
			}
			fields := []zap.Field{zap.String("error", c.redact(err))}
			if resp != nil {
				fields = append(fields, zap.Int("status", resp.StatusCode))
			}
			c.logger.Warn("retrying telegram request", fields...)
		}
		return retry, retryErr
	}
	return c, nil
}

// SendMessage posts text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts chat.ReplyOptions) error {
	params := sendMessageParams{ChatID: chatID, Text: text}
	if opts.Markdown {
		params.ParseMode = parseModeMarkdown
	}
	return c.call(ctx, "sendMessage", params, nil, callTimeout)
}

// SetWebhook registers url as the update endpoint. Telegram echoes secret in
// the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	params := setWebhookParams{URL: url, SecretToken: secret, AllowedUpdates: allowedUpdates}
	return c.call(ctx, "setWebhook", params, nil, callTimeout)
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me, callTimeout); err != nil {
		return nil, err
	}
	return &me, nil
}

// DeleteWebhook removes any registered webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil, callTimeout)
}

// GetUpdates long-polls for updates with an id of at least offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := getUpdatesParams{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: allowedUpdates,
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates, timeout+callTimeout); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram %s: encode params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %s", method, c.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The request URL embeds the bot token.
		return fmt.Errorf("telegram %s: %s", method, c.redact(err))
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !decoded.OK {
		return &APIError{Method: method, Code: decoded.ErrorCode, Description: decoded.Description}
	}

	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) redact(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), c.token, "<redacted>")
}
