// Package auth holds the credential store consulted by the login and
// registration routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const prefixUser = "user:"

var (
	// ErrInvalidCredentials is returned for empty or mismatched credentials
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when registering a taken username
	ErrUserExists = errors.New("user already exists")
)

// Verifier decides whether a login or registration succeeds. When isLogin
// is false and the username is free, the user is created.
type Verifier interface {
	Verify(username, password string, isLogin bool) bool
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(username, password string, isLogin bool) bool

// Verify calls f
func (f VerifierFunc) Verify(username, password string, isLogin bool) bool {
	return f(username, password, isLogin)
}

// BadgerStore keeps bcrypt password hashes in BadgerDB
type BadgerStore struct {
	db   *badger.DB
	cost int
	log  zerolog.Logger
}

// Options configures a BadgerStore
type Options struct {
	// Dir is the data directory; empty means in-memory
	Dir string
	// BcryptCost defaults to bcrypt.DefaultCost
	BcryptCost int
	Logger     zerolog.Logger
}

// Open opens (or creates) the store
func Open(opts Options) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	return &BadgerStore{db: db, cost: cost, log: opts.Logger}, nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC runs value log garbage collection until ctx is done
func (s *BadgerStore) RunGC(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
				s.log.Warn().Err(err).Msg("credential store GC failed")
			}
		}
	}
}

// Register creates a user; ErrUserExists if the name is taken
func (s *BadgerStore) Register(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	key := []byte(prefixUser + username)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrUserExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, hash)
	})
}

// Authenticate checks a username/password pair
func (s *BadgerStore) Authenticate(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	var hash []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUser + username))
		if err != nil {
			return err
		}
		hash, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Verify implements Verifier
func (s *BadgerStore) Verify(username, password string, isLogin bool) bool {
	var err error
	if isLogin {
		err = s.Authenticate(username, password)
	} else {
		err = s.Register(username, password)
	}

	if err != nil {
		s.log.Debug().Err(err).Str("user", username).Bool("login", isLogin).Msg("verify rejected")
		return false
	}
	s.log.Info().Str("user", username).Bool("login", isLogin).Msg("verify ok")
	return true
}
