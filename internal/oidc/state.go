package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStateTTL bounds how long a login may take between /login and the callback
const DefaultStateTTL = 10 * time.Minute

// ErrStateNotFound is returned when a login state is unknown, expired or already used
var ErrStateNotFound = errors.New("login state not found")

// LoginState is what a challenge remembers until its callback
type LoginState struct {
	Nonce     string    `json:"nonce"`
	Verifier  string    `json:"verifier"`
	ReturnURL string    `json:"return_url"`
	Created   time.Time `json:"created"`
}

// StateStore keeps login states. Take consumes a state exactly once.
type StateStore interface {
	Save(ctx context.Context, state string, ls *LoginState, ttl time.Duration) error
	Take(ctx context.Context, state string) (*LoginState, error)
}

// RedisStateStore keeps login states in Redis so any replica can finish a login
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore creates a RedisStateStore
func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "sessiongate:"
	}
	return &RedisStateStore{client: client, prefix: prefix + "login:"}
}

// Save stores a login state
func (s *RedisStateStore) Save(ctx context.Context, state string, ls *LoginState, ttl time.Duration) error {
	data, err := json.Marshal(ls)
	if err != nil {
		return fmt.Errorf("marshal login state: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+state, data, ttl).Err(); err != nil {
		return fmt.Errorf("save login state: %w", err)
	}
	return nil
}

// Take reads and deletes a login state in one step
func (s *RedisStateStore) Take(ctx context.Context, state string) (*LoginState, error) {
	data, err := s.client.GetDel(ctx, s.prefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take login state: %w", err)
	}

	var ls LoginState
	if err := json.Unmarshal(data, &ls); err != nil {
		return nil, fmt.Errorf("unmarshal login state: %w", err)
	}
	return &ls, nil
}

type memoryState struct {
	state   *LoginState
	expires time.Time
}

// MemoryStateStore keeps login states in process
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]memoryState
	now    func() time.Time
}

// NewMemoryStateStore creates a MemoryStateStore
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]memoryState), now: time.Now}
}

func (s *MemoryStateStore) Save(_ context.Context, state string, ls *LoginState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.states {
		if !now.Before(v.expires) {
			delete(s.states, k)
		}
	}
	cp := *ls
	s.states[state] = memoryState{state: &cp, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Take(_ context.Context, state string) (*LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.states[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.states, state)
	if !s.now().Before(v.expires) {
		return nil, ErrStateNotFound
	}
	return v.state, nil
}
