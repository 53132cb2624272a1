package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"upbit-bot/internal/ratelimit"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.upbit.com"

// ErrRateLimited is returned when the exchange keeps answering 429 after the
// secondary backoff has been exhausted.
var ErrRateLimited = errors.New("upbit: rate limited by exchange")

// Secondary backoff for a 429 received despite local admission. The local
// counters under-counted relative to the exchange; wait, then re-probe the
// limiter before trying again. This never feeds back into the local caps.
const (
	retryStart = 2 * time.Second
	retryMax   = 16 * time.Second
	maxRetries = 5
)

// Client talks to the Upbit REST API on behalf of one session. Every call
// passes through the shared limiter before the request goes out.
type Client struct {
	accessKey string
	secretKey string
	http      *resty.Client
	limiter   *ratelimit.Limiter
	log       *zap.Logger

	// sleep is swapped out by tests so 429 retries run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client bound to one credential pair.
func NewClient(accessKey, secretKey string, limiter *ratelimit.Limiter, log *zap.Logger) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(defaultBaseURL)
	httpClient.SetTimeout(30 * time.Second)
	httpClient.SetHeader("User-Agent", "upbit-bot/1.0")

	return &Client{
		accessKey: accessKey,
		secretKey: secretKey,
		http:      httpClient,
		limiter:   limiter,
		log:       log,
		sleep:     sleepCtx,
	}
}

// SetBaseURL points the client at a different endpoint, used in tests.
func (c *Client) SetBaseURL(u string) {
	c.http.SetBaseURL(u)
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

// authToken builds the Upbit request JWT: HS256 over the access key, a uuid
// nonce and, when params are present, a SHA512 hash of the unescaped query
// string.
func (c *Client) authToken(params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if len(params) > 0 {
		qs, err := url.QueryUnescape(params.Encode())
		if err != nil {
			return "", fmt.Errorf("failed to build query string: %w", err)
		}
		hash := sha512.Sum512([]byte(qs))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.secretKey))
}

// do runs one API call under the limiter. params travel as query string for
// GET/DELETE and as JSON body for POST; signed requests carry the auth JWT.
// A 429 triggers the secondary backoff before the call is reissued.
func (c *Client) do(ctx context.Context, class ratelimit.Class, method, path string, params url.Values, signed bool, out interface{}) error {
	delay := retryStart

	for attempt := 0; ; attempt++ {
		var resp *resty.Response
		err := c.limiter.Execute(ctx, class, func(ctx context.Context) error {
			var reqErr error
			resp, reqErr = c.request(ctx, method, path, params, signed)
			return reqErr
		})
		if err != nil {
			return fmt.Errorf("upbit %s %s: %w", method, path, err)
		}

		if resp.StatusCode() != http.StatusTooManyRequests {
			if resp.IsError() {
				return fmt.Errorf("upbit %s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
			}
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("upbit %s %s: failed to parse response: %w", method, path, err)
				}
			}
			return nil
		}

		c.log.Warn("exchange returned 429 despite local admission",
			zap.Stringer("class", class),
			zap.String("path", path),
			zap.Int("attempt", attempt+1))

		if attempt+1 >= maxRetries {
			return fmt.Errorf("upbit %s %s: %w", method, path, ErrRateLimited)
		}

		// Wait out the exchange, then re-probe local admission between steps.
		for {
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			if delay < retryMax {
				delay *= 2
				if delay > retryMax {
					delay = retryMax
				}
			}
			if c.limiter.Admit(class) {
				break
			}
		}
	}
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, signed bool) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)

	if signed {
		token, err := c.authToken(params)
		if err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		req.SetHeader("Authorization", "Bearer "+token)
	}

	if method == http.MethodPost {
		body := make(map[string]string, len(params))
		for k := range params {
			body[k] = params.Get(k)
		}
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(body)
	} else if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}

	return req.Execute(method, path)
}

// Accounts returns the full balance list; also serves as the credential
// verification call before a session is created.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.do(ctx, ratelimit.ClassREST, http.MethodGet, "/v1/accounts", nil, true, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Ticker returns current snapshots for the given markets.
func (c *Client) Ticker(ctx context.Context, markets []string) ([]Ticker, error) {
	params := url.Values{}
	params.Set("markets", strings.Join(markets, ","))

	var tickers []Ticker
	if err := c.do(ctx, ratelimit.ClassREST, http.MethodGet, "/v1/ticker", params, false, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

// MinuteCandles returns the most recent 1-minute candles, newest first.
func (c *Client) MinuteCandles(ctx context.Context, market string, count int) ([]Candle, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", fmt.Sprintf("%d", count))

	var candles []Candle
	if err := c.do(ctx, ratelimit.ClassREST, http.MethodGet, "/v1/candles/minutes/1", params, false, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// BuyMarket places a market buy spending the given KRW amount. The identifier
// stays fixed across 429 retries so the exchange deduplicates the order.
func (c *Client) BuyMarket(ctx context.Context, market string, price decimal.Decimal) (*Order, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("side", "bid")
	params.Set("ord_type", "price")
	params.Set("price", price.String())
	params.Set("identifier", uuid.NewString())

	order := &Order{}
	if err := c.do(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/orders", params, true, order); err != nil {
		return nil, err
	}
	return order, nil
}

// SellMarket places a market sell of the given volume.
func (c *Client) SellMarket(ctx context.Context, market string, volume decimal.Decimal) (*Order, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("side", "ask")
	params.Set("ord_type", "market")
	params.Set("volume", volume.String())
	params.Set("identifier", uuid.NewString())

	order := &Order{}
	if err := c.do(ctx, ratelimit.ClassOrder, http.MethodPost, "/v1/orders", params, true, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Order looks up a single order by exchange uuid.
func (c *Client) Order(ctx context.Context, orderUUID string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)

	order := &Order{}
	if err := c.do(ctx, ratelimit.ClassREST, http.MethodGet, "/v1/order", params, true, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels an open order by exchange uuid.
func (c *Client) CancelOrder(ctx context.Context, orderUUID string) (*Order, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)

	order := &Order{}
	if err := c.do(ctx, ratelimit.ClassOrder, http.MethodDelete, "/v1/order", params, true, order); err != nil {
		return nil, err
	}
	return order, nil
}
