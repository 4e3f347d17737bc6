package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/models"
)

// SessionStorage persists the provider session between runs, the way the
// browser's local storage does for the web client.
type SessionStorage interface {
	// Load returns the stored session or nil when there is none.
	Load() (*models.Session, error)
	Save(session *models.Session) error
	Clear() error

	// SaveVerifier stores the PKCE code verifier of a pending OAuth flow.
	SaveVerifier(verifier string) error
	LoadVerifier() (string, error)
}

// storedState represents the session state file.
type storedState struct {
	Version      int             `json:"version"`
	Session      *models.Session `json:"session,omitempty"`
	CodeVerifier string          `json:"code_verifier,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const stateFileName = "session.json"

// FileStorage keeps the session in a single JSON file readable only by the owner.
type FileStorage struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStorage creates the storage directory.
// If baseDir is empty, uses ~/.zyra/
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".zyra")
	}

	// Tokens live here, so 0700
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("session storage initialized")

	return &FileStorage{baseDir: baseDir}, nil
}

// Dir returns the storage directory.
func (s *FileStorage) Dir() string {
	return s.baseDir
}

func (s *FileStorage) Load() (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return nil, err
	}
	return state.Session, nil
}

func (s *FileStorage) Save(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return err
	}
	state.Session = session.Clone()
	return s.write(state)
}

// Clear removes the session but keeps a pending code verifier.
func (s *FileStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return err
	}
	if state.Session == nil {
		return nil
	}
	state.Session = nil
	return s.write(state)
}

func (s *FileStorage) SaveVerifier(verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return err
	}
	state.CodeVerifier = verifier
	return s.write(state)
}

func (s *FileStorage) LoadVerifier() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return "", err
	}
	return state.CodeVerifier, nil
}

// read loads the state file, returning an empty state if it doesn't exist.
func (s *FileStorage) read() (*storedState, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, stateFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &storedState{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var state storedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}

	return &state, nil
}

// write saves the state file atomically.
func (s *FileStorage) write(state *storedState) error {
	state.Version = 1
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	statePath := filepath.Join(s.baseDir, stateFileName)
	tempPath := statePath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}

	if err := os.Rename(tempPath, statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save session state: %w", err)
	}

	return nil
}

// MemoryStorage is a SessionStorage that lives for the process only.
type MemoryStorage struct {
	mu       sync.Mutex
	session  *models.Session
	verifier string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone(), nil
}

func (s *MemoryStorage) Save(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session.Clone()
	return nil
}

func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

func (s *MemoryStorage) SaveVerifier(verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = verifier
	return nil
}

func (s *MemoryStorage) LoadVerifier() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifier, nil
}
