package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/logging"
)

func newTestApp() *fiber.App {
	logger := logging.Discard()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Use(RequestID())
	app.Use(Audit(logger))
	return app
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(payload, &body), string(payload))
	return body
}

func TestErrorHandlerMapsCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{ledger.ErrInvalidAmount, http.StatusUnprocessableEntity, "INVALID_AMOUNT"},
		{ledger.ErrInvalidCurrency, http.StatusUnprocessableEntity, "INVALID_CURRENCY"},
		{ledger.ErrSelfTransfer, http.StatusUnprocessableEntity, "SELF_TRANSFER_NOT_ALLOWED"},
		{ledger.ErrCurrencyMismatch, http.StatusUnprocessableEntity, "CURRENCY_MISMATCH"},
		{ledger.ErrWalletNotFound, http.StatusNotFound, "WALLET_NOT_FOUND"},
		{ledger.ErrIdempotencyKeyConflict, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT"},
		{ledger.ErrTransientStorage, http.StatusServiceUnavailable, "TRANSIENT_STORAGE_FAILURE"},
		{Invalid("currency", "len=3"), http.StatusUnprocessableEntity, CodeValidationFailed},
		{fiber.NewError(http.StatusTooManyRequests, "slow down"), http.StatusTooManyRequests, CodeRateLimited},
		{fiber.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{errors.New("pq: relation does not exist"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			app := newTestApp()
			app.Get("/", func(c *fiber.Ctx) error { return fmt.Errorf("handler: %w", tc.err) })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)

			body := decode(t, resp)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tc.code, body["code"])
			assert.NotContains(t, body["message"], "relation")
		})
	}
}

func TestErrorHandlerInsufficientBalanceFigures(t *testing.T) {
	app := newTestApp()
	app.Get("/", func(c *fiber.Ctx) error {
		return &ledger.Error{Code: ledger.CodeInsufficientBalance, Message: "Insufficient balance. Available: 3000, Requested: 5000", Available: 3000, Requested: 5000}
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["code"])
	assert.Equal(t, float64(3000), body["available"])
	assert.Equal(t, float64(5000), body["requested"])
}

func TestErrorHandlerTransientSetsRetryAfter(t *testing.T) {
	app := newTestApp()
	app.Get("/", func(c *fiber.Ctx) error { return ledger.ErrTransientStorage })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestBindJSONValidates(t *testing.T) {
	type request struct {
		OwnerName string `json:"owner_name" validate:"required"`
		Currency  string `json:"currency" validate:"required,len=3"`
	}
	app := newTestApp()
	app.Post("/", func(c *fiber.Ctx) error {
		var req request
		if err := BindJSON(c, &req); err != nil {
			return err
		}
		return Success(c, http.StatusCreated, req)
	})

	send := func(body string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	resp := send(`{"owner_name":"Alice","currency":"USDT"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, map[string]any{"currency": "len=3"}, body["errors"])

	resp = send(`{"owner_name":`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = send(`{"owner_name":"Alice","currency":"USD"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, "success", body["status"])
}

func TestIdempotencyKeyLength(t *testing.T) {
	app := newTestApp()
	app.Post("/", func(c *fiber.Ctx) error {
		key, err := IdempotencyKey(c)
		if err != nil {
			return err
		}
		return c.SendString(key)
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Idempotency-Key", strings.Repeat("k", 64))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Idempotency-Key", strings.Repeat("k", 65))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestMovementReplayHeaders(t *testing.T) {
	app := newTestApp()
	raw := json.RawMessage(`{"transaction_id":1}`)
	app.Post("/fresh", func(c *fiber.Ctx) error { return Movement(c, raw, false) })
	app.Post("/replay", func(c *fiber.Ctx) error { return Movement(c, raw, true) })

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/fresh", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(replayedHeader))
	body := decode(t, resp)
	assert.NotContains(t, body, "idempotent")

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/replay", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(replayedHeader))
	body = decode(t, resp)
	assert.Equal(t, true, body["idempotent"])
	assert.Equal(t, map[string]any{"transaction_id": float64(1)}, body["data"])
}

func TestRequestIDEchoed(t *testing.T) {
	app := newTestApp()
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := newTestApp()
	app.Use(RateLimit(cache, 2, logging.Discard()))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusCreated) })
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")

	mr.FastForward(61 * time.Second)
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer cache.Close()
	mr.Close()

	app := newTestApp()
	app.Use(RateLimit(cache, 1, logging.Discard()))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusCreated) })

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	}
}

func TestRateLimitRestoresMissingExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := newTestApp()
	app.Use(RateLimit(cache, 3, logging.Discard()))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusCreated) })

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	key := keys[0]
	assert.Equal(t, time.Minute, mr.TTL(key))

	// a counter left over the limit with no expiry, as after a failed EXPIRE
	require.NoError(t, mr.Set(key, "10"))
	require.Zero(t, mr.TTL(key))

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(61 * time.Second)
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "the window resets once the restored expiry passes")
}
