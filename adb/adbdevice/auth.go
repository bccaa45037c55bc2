package adbdevice

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/pgaskin/go-adbwire/adb/adbkey"
	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/auth.cpp;drc=61197364367c9e404c7da6900658f1b16c42d0da

// AuthResponse is an A_AUTH packet to send in response to a token.
type AuthResponse struct {
	Type uint32 // aproto.AuthSignature or aproto.AuthRSAPublicKey
	Data []byte
}

// Authenticator responds to A_AUTH tokens from the device.
type Authenticator interface {
	// Auth returns the response for a token, or nil if it has nothing else to
	// offer, in which case the next authenticator is used. Attempt is the
	// number of responses it already returned during this connection.
	Auth(ctx context.Context, keys adbkey.Store, attempt int, token []byte) (*AuthResponse, error)
}

// SignatureAuthenticator signs the token with each key in turn. The device
// accepts a signature if it has the public key in its authorized keys.
type SignatureAuthenticator struct{}

func (SignatureAuthenticator) Auth(ctx context.Context, keys adbkey.Store, attempt int, token []byte) (*AuthResponse, error) {
	var i int
	for der, err := range keys.Keys() {
		if err != nil {
			debug.Warn("skipping key", "error", err)
			continue
		}
		if i++; i <= attempt {
			continue
		}
		sig, err := aproto.Sign(der, token)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		return &AuthResponse{Type: aproto.AuthSignature, Data: sig}, nil
	}
	return nil, nil
}

// PublicKeyAuthenticator sends the first public key (generating one if there
// are none) for the user to accept on the device.
type PublicKeyAuthenticator struct {
	// Name is shown with the key on the device. If empty,
	// [adbkey.DefaultName] is used.
	Name string
}

func (a PublicKeyAuthenticator) Auth(ctx context.Context, keys adbkey.Store, attempt int, token []byte) (*AuthResponse, error) {
	if attempt != 0 {
		return nil, nil
	}
	der, err := firstKey(keys)
	if err != nil {
		return nil, err
	}
	name := a.Name
	if name == "" {
		name = adbkey.DefaultName()
	}
	pub, err := aproto.AuthPublicKey(der, name)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Type: aproto.AuthRSAPublicKey, Data: pub}, nil
}

// firstKey returns the first usable key, generating one if there are none.
func firstKey(keys adbkey.Store) ([]byte, error) {
	for der, err := range keys.Keys() {
		if err == nil {
			return der, nil
		}
	}
	der, err := keys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return der, nil
}

// handshake tracks authentication for a single connection attempt.
type handshake struct {
	keys    adbkey.Store
	auths   []Authenticator
	cur     int
	attempt int
}

func newHandshake(cfg *Config) *handshake {
	keys := cfg.Keys
	if keys == nil {
		keys = new(adbkey.MemoryStore)
	}
	return &handshake{
		keys:  &onceStore{Store: keys},
		auths: cfg.authenticators(),
	}
}

// next gets the response to a token.
func (h *handshake) next(ctx context.Context, token []byte) (*AuthResponse, error) {
	for h.cur < len(h.auths) {
		resp, err := h.auths[h.cur].Auth(ctx, h.keys, h.attempt, token)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		if resp != nil {
			h.attempt++
			return resp, nil
		}
		h.cur++
		h.attempt = 0
	}
	return nil, ErrAuthExhausted
}

// onceStore loads keys once, remembering generated ones.
type onceStore struct {
	adbkey.Store

	once sync.Once
	mu   sync.Mutex
	keys []onceKey
}

type onceKey struct {
	der []byte
	err error
}

func (s *onceStore) load() {
	s.once.Do(func() {
		for der, err := range s.Store.Keys() {
			s.keys = append(s.keys, onceKey{der, err})
		}
	})
}

func (s *onceStore) Keys() iter.Seq2[[]byte, error] {
	s.load()
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	return func(yield func([]byte, error) bool) {
		for _, k := range keys {
			if !yield(k.der, k.err) {
				return
			}
		}
	}
}

func (s *onceStore) GenerateKey() ([]byte, error) {
	s.load()
	der, err := s.Store.GenerateKey()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keys = append(s.keys, onceKey{der: der})
	s.mu.Unlock()
	return der, nil
}
