package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxResponseSizeBytes = 2 << 20

// Sessions are stored as a hash {version, data} so the version check can run
// server-side without decoding JSON in Lua.
const (
	casScript = `local v = redis.call('HGET', KEYS[1], 'version')
if not v then return -1 end
if v ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
if tonumber(ARGV[4]) > 0 then redis.call('EXPIRE', KEYS[1], ARGV[4]) end
return 1`

	getOrCreateScript = `if redis.call('EXISTS', KEYS[1]) == 0 then
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then redis.call('EXPIRE', KEYS[1], ARGV[3]) end
end
return redis.call('HGET', KEYS[1], 'data')`
)

// StoreOption customizes UpstashRedisStore.
type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore persists sessions in Upstash Redis via REST.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

var _ Store = (*UpstashRedisStore)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL       string        `envconfig:"URL" split_words:"true" required:"true"`
	Token     string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" split_words:"true" default:"voice:session:"`
	TTL       time.Duration `envconfig:"TTL" split_words:"true" default:"24h"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	store := &UpstashRedisStore{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       defaultStoreTTL,
	}
	if p := strings.TrimSpace(cfg.KeyPrefix); p != "" {
		store.keyPrefix = p
	}
	if cfg.TTL > 0 {
		store.ttl = cfg.TTL
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashRedisStore) GetOrCreate(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	key, err := s.redisKey(sessionID)
	if err != nil {
		return nil, err
	}

	fresh := NewSession(sessionID, now)
	fresh.Version = 1
	payload, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("marshal session state: %w", err)
	}

	resp, err := s.exec(ctx, []any{"EVAL", getOrCreateScript, 1, key, "1", string(payload), ttlSeconds(s.ttl)})
	if err != nil {
		return nil, err
	}
	return decodeSessionResult(resp.Result)
}

func (s *UpstashRedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	key, err := s.redisKey(sessionID)
	if err != nil {
		return nil, err
	}

	resp, err := s.exec(ctx, []any{"HGET", key, "data"})
	if err != nil {
		return nil, err
	}
	return decodeSessionResult(resp.Result)
}

func (s *UpstashRedisStore) CompareAndUpdate(ctx context.Context, sessionID string, expectedVersion int64, mutate Mutator) (*Session, error) {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: session=%s expected=%d actual=%d", ErrVersionConflict, sessionID, expectedVersion, current.Version)
	}

	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal session state: %w", err)
	}

	key, err := s.redisKey(sessionID)
	if err != nil {
		return nil, err
	}
	resp, err := s.exec(ctx, []any{
		"EVAL", casScript, 1, key,
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(next.Version, 10),
		string(payload),
		ttlSeconds(s.ttl),
	})
	if err != nil {
		return nil, err
	}

	var code int
	if err := json.Unmarshal(resp.Result, &code); err != nil {
		return nil, fmt.Errorf("decode cas result: %w", err)
	}
	switch code {
	case 1:
		return next, nil
	case 0:
		return nil, fmt.Errorf("%w: session=%s expected=%d", ErrVersionConflict, sessionID, expectedVersion)
	default:
		return nil, ErrStateNotFound
	}
}

func (s *UpstashRedisStore) Delete(ctx context.Context, sessionID string) error {
	key, err := s.redisKey(sessionID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, []any{"DEL", key})
	return err
}

// List walks the key space with SCAN; it is only used by the evictor.
func (s *UpstashRedisStore) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	cursor := "0"
	for {
		resp, err := s.exec(ctx, []any{"SCAN", cursor, "MATCH", s.keyPrefix + "*", "COUNT", 100})
		if err != nil {
			return nil, err
		}
		var page []json.RawMessage
		if err := json.Unmarshal(resp.Result, &page); err != nil || len(page) != 2 {
			return nil, fmt.Errorf("decode scan result: %s", string(resp.Result))
		}
		var keys []string
		if err := json.Unmarshal(page[0], &cursor); err != nil {
			return nil, fmt.Errorf("decode scan cursor: %w", err)
		}
		if err := json.Unmarshal(page[1], &keys); err != nil {
			return nil, fmt.Errorf("decode scan keys: %w", err)
		}
		for _, key := range keys {
			st, err := s.Get(ctx, strings.TrimPrefix(key, s.keyPrefix))
			if errors.Is(err, ErrStateNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
		if cursor == "0" {
			return out, nil
		}
	}
}

func (s *UpstashRedisStore) redisKey(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrInvalidSession
	}
	prefix := strings.TrimSpace(s.keyPrefix)
	if prefix == "" {
		prefix = defaultStoreKeyPrefix
	}
	return prefix + sessionID, nil
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func decodeSessionResult(result json.RawMessage) (*Session, error) {
	result = bytes.TrimSpace(result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrStateNotFound
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}

	var st Session
	if err := json.Unmarshal([]byte(encoded), &st); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	st.EnsureMaps()
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session state loaded from store: %w", err)
	}
	return &st, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
