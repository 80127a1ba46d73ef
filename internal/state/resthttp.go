package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

const httpStoreTimeout = 5 * time.Second

// httpRateLimitScript mirrors the TCP backend's atomic bucket increment.
const httpRateLimitScript = `local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return count`

// HTTPStore talks to a Redis-compatible REST endpoint (Upstash wire format):
// each request POSTs one command as a JSON array and the reply is
// {"result": ...} or {"error": "..."}. Key shapes are identical to
// RedisStore, so the two backends are interchangeable behind a proxy.
type HTTPStore struct {
	url    string
	token  string
	client *fasthttp.Client
}

// NewHTTPStore creates a store for the given REST endpoint. token is sent as
// a bearer credential; pass "" when the endpoint is unauthenticated.
func NewHTTPStore(url, token string) *HTTPStore {
	return &HTTPStore{
		url:   strings.TrimRight(url, "/"),
		token: token,
		client: &fasthttp.Client{
			ReadTimeout:  httpStoreTimeout,
			WriteTimeout: httpStoreTimeout,
		},
	}
}

type restReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// do executes one command and returns the raw result value.
func (h *HTTPStore) do(ctx context.Context, cmd ...any) (json.RawMessage, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	req.SetBody(body)

	deadline := time.Now().Add(httpStoreTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode(), resp.Body())
	}

	var reply restReply
	if err := json.Unmarshal(resp.Body(), &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("command error: %s", reply.Error)
	}
	return reply.Result, nil
}

func (h *HTTPStore) Init(ctx context.Context) error {
	if _, err := h.do(ctx, "PING"); err != nil {
		return storageErr("ping", "", err)
	}
	return nil
}

func (h *HTTPStore) Close() error { return nil }

func (h *HTTPStore) GetState(ctx context.Context, name string) (*ModelState, error) {
	res, err := h.do(ctx, "GET", stateKey(name))
	if err != nil {
		return nil, storageErr("GET", stateKey(name), err)
	}
	raw, ok := decodeString(res)
	if !ok {
		return nil, nil // null result — key absent
	}

	var st ModelState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, storageErr("decode", stateKey(name), err)
	}
	return &st, nil
}

func (h *HTTPStore) SetState(ctx context.Context, name string, st *ModelState) error {
	cp := st.Clone()
	cp.Stats.Requests = []RequestRecord{}
	raw, err := json.Marshal(cp)
	if err != nil {
		return storageErr("encode", stateKey(name), err)
	}
	if _, err := h.do(ctx, "SET", stateKey(name), string(raw)); err != nil {
		return storageErr("SET", stateKey(name), err)
	}
	return nil
}

func (h *HTTPStore) RecordRequest(ctx context.Context, name string, rec RequestRecord) error {
	member, err := json.Marshal(storedRecord{RequestRecord: rec, ID: uuid.NewString()})
	if err != nil {
		return storageErr("encode", requestsKey(name), err)
	}
	if _, err := h.do(ctx, "ZADD", requestsKey(name), rec.Timestamp, string(member)); err != nil {
		return storageErr("ZADD", requestsKey(name), err)
	}
	return nil
}

func (h *HTTPStore) GetRequests(ctx context.Context, name string, windowStart int64) ([]RequestRecord, error) {
	key := requestsKey(name)

	if _, err := h.do(ctx, "ZREMRANGEBYSCORE", key, "-inf", fmt.Sprintf("(%d", windowStart)); err != nil {
		return nil, storageErr("ZREMRANGEBYSCORE", key, err)
	}
	res, err := h.do(ctx, "ZRANGEBYSCORE", key, windowStart, "+inf")
	if err != nil {
		return nil, storageErr("ZRANGEBYSCORE", key, err)
	}

	var members []string
	if err := json.Unmarshal(res, &members); err != nil {
		return nil, storageErr("decode", key, err)
	}

	records := make([]RequestRecord, 0, len(members))
	for _, m := range members {
		var sr storedRecord
		if err := json.Unmarshal([]byte(m), &sr); err != nil {
			continue
		}
		records = append(records, sr.RequestRecord)
	}
	return records, nil
}

func (h *HTTPStore) ResetState(ctx context.Context, name string) error {
	if _, err := h.do(ctx, "DEL", stateKey(name), requestsKey(name)); err != nil {
		return storageErr("DEL", stateKey(name), err)
	}
	return nil
}

func (h *HTTPStore) ModelNames(ctx context.Context) ([]string, error) {
	res, err := h.do(ctx, "KEYS", stateKeyPrefix+"*")
	if err != nil {
		return nil, storageErr("KEYS", stateKeyPrefix+"*", err)
	}
	var keys []string
	if err := json.Unmarshal(res, &keys); err != nil {
		return nil, storageErr("decode", stateKeyPrefix+"*", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, stateKeyPrefix))
	}
	return names, nil
}

func (h *HTTPStore) FallbacksUsed(ctx context.Context) (int64, error) {
	res, err := h.do(ctx, "GET", fallbacksKey)
	if err != nil {
		return 0, storageErr("GET", fallbacksKey, err)
	}
	raw, ok := decodeString(res)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, storageErr("decode", fallbacksKey, err)
	}
	return n, nil
}

func (h *HTTPStore) RecordFallbackUsage(ctx context.Context) error {
	if _, err := h.do(ctx, "INCR", fallbacksKey); err != nil {
		return storageErr("INCR", fallbacksKey, err)
	}
	return nil
}

func (h *HTTPStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := h.do(ctx, "EVAL", httpRateLimitScript, 1, rateLimitKey(key), window.Milliseconds())
	if err != nil {
		return false, storageErr("EVAL", rateLimitKey(key), err)
	}
	var count int64
	if err := json.Unmarshal(res, &count); err != nil {
		return false, storageErr("decode", rateLimitKey(key), err)
	}
	return count <= int64(limit), nil
}

// decodeString unwraps a REST string result; the second return is false for
// JSON null (absent key).
func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
