// Package params persists the Diffie-Hellman domain parameters shared by
// both peers.
package params

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/sumanthd032/lanchat/pkg/crypto"
)

// FileName is the default name of the parameters file inside the home dir.
const FileName = "dhparams.pem"

// Generator produces parameters when the store is empty.
type Generator func() (crypto.DomainParameters, error)

// Bundled is the default Generator. It returns the well-known RFC 3526 group
// so that independent installations interoperate.
func Bundled() (crypto.DomainParameters, error) {
	return crypto.DefaultParameters(), nil
}

// Store loads parameters from a PEM file, creating it on first use.
type Store struct {
	path     string
	generate Generator
	log      *zap.Logger

	mu     sync.Mutex
	cached *crypto.DomainParameters
}

// NewStore returns a store backed by path. A nil generator means Bundled.
func NewStore(path string, generate Generator, log *zap.Logger) *Store {
	if generate == nil {
		generate = Bundled
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: path, generate: generate, log: log.Named("params")}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// LoadOrGenerate returns the persisted parameters, generating and saving them
// exactly once if the file does not exist yet.
func (s *Store) LoadOrGenerate() (crypto.DomainParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		params, err := crypto.ParseParametersPEM(data)
		if err != nil {
			return crypto.DomainParameters{}, fmt.Errorf("could not load parameters from %s: %w", s.path, err)
		}
		s.log.Debug("loaded domain parameters",
			zap.String("path", s.path),
			zap.String("fingerprint", params.Fingerprint()))
		s.cached = &params
		return params, nil

	case errors.Is(err, fs.ErrNotExist):
		// First run, fall through to generation.

	default:
		return crypto.DomainParameters{}, fmt.Errorf("could not read parameters: %w", err)
	}

	params, err := s.generate()
	if err != nil {
		return crypto.DomainParameters{}, fmt.Errorf("could not generate parameters: %w", err)
	}
	if err := s.saveLocked(params); err != nil {
		return crypto.DomainParameters{}, err
	}
	s.log.Info("generated domain parameters",
		zap.String("path", s.path),
		zap.Int("bits", params.P.BitLen()),
		zap.String("fingerprint", params.Fingerprint()))
	return params, nil
}

// Save replaces the persisted parameters.
func (s *Store) Save(params crypto.DomainParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(params)
}

func (s *Store) saveLocked(params crypto.DomainParameters) error {
	data, err := params.MarshalPEM()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("could not create parameters directory: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves half a file.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".dhparams-*")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write parameters: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("could not set parameters file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not write parameters: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("could not persist parameters: %w", err)
	}

	s.cached = &params
	return nil
}
