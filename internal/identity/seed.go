package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"wakulink/go-backend/internal/securestore"
)

var (
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrInvalidPassphrase  = errors.New("invalid passphrase")
	ErrSeedNotAvailable   = errors.New("seed is not available")
	ErrPassphraseRequired = errors.New("passphrase is required")
	ErrMnemonicRequired   = errors.New("mnemonic is required")
	ErrPassphraseLocked   = errors.New("passphrase attempts are temporarily locked")
)

// SeedManager holds the sealed mnemonic and rate limits wrong passphrases.
type SeedManager struct {
	mu             sync.RWMutex
	sealed         []byte
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewSeedManager() *SeedManager {
	return &SeedManager{now: time.Now}
}

func newSeedManagerWithClock(now func() time.Time) *SeedManager {
	return &SeedManager{now: now}
}

func (s *SeedManager) Create(passphrase string) (mnemonic string, keys *Keys, err error) {
	if strings.TrimSpace(passphrase) == "" {
		return "", nil, ErrPassphraseRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, err
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}
	keys, err = s.Import(mnemonic, passphrase)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, keys, nil
}

func (s *SeedManager) Import(mnemonic, passphrase string) (*Keys, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return nil, err
	}
	sealed, err := securestore.Seal(passphrase, []byte(mnemonic))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = sealed
	s.resetPassphraseAttemptState()
	return keys, nil
}

func (s *SeedManager) Export(passphrase string) (string, error) {
	if strings.TrimSpace(passphrase) == "" {
		return "", ErrPassphraseRequired
	}

	s.mu.Lock()
	sealed := s.sealed
	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()
	if sealed == nil {
		return "", ErrSeedNotAvailable
	}

	plaintext, err := securestore.Open(passphrase, sealed)
	if err != nil {
		if !errors.Is(err, securestore.ErrAuthFailed) {
			return "", err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onFailedPassphraseAttempt()
		return "", ErrInvalidPassphrase
	}
	s.mu.Lock()
	s.resetPassphraseAttemptState()
	s.mu.Unlock()

	mnemonic := normalizeMnemonic(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("%w: corrupted mnemonic", ErrInvalidMnemonic)
	}
	return mnemonic, nil
}

// Unlock opens the stored mnemonic and derives the keys from it.
func (s *SeedManager) Unlock(passphrase string) (*Keys, error) {
	mnemonic, err := s.Export(passphrase)
	if err != nil {
		return nil, err
	}
	return DeriveKeys(bip39.NewSeed(mnemonic, ""))
}

func (s *SeedManager) ChangePassphrase(oldPassphrase, newPassphrase string) error {
	if strings.TrimSpace(newPassphrase) == "" {
		return ErrPassphraseRequired
	}
	mnemonic, err := s.Export(oldPassphrase)
	if err != nil {
		return err
	}
	sealed, err := securestore.Seal(newPassphrase, []byte(mnemonic))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = sealed
	return nil
}

func (s *SeedManager) Save(path string) error {
	s.mu.RLock()
	sealed := s.sealed
	s.mu.RUnlock()
	if sealed == nil {
		return ErrSeedNotAvailable
	}
	// already sealed, so no second passphrase layer
	return securestore.WriteFile(path, "", sealed)
}

func (s *SeedManager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSeedNotAvailable
		}
		return err
	}
	if !securestore.IsSealed(data) {
		return fmt.Errorf("%w: seed file %s is not sealed", securestore.ErrNotSealed, path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = data
	return nil
}

func (s *SeedManager) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// LoadOrCreate unlocks the seed at path, creating and saving a fresh one when the file is
// missing. The mnemonic is returned only when it was just created.
func LoadOrCreate(path, passphrase string) (keys *Keys, created string, err error) {
	sm := NewSeedManager()
	err = sm.Load(path)
	switch {
	case err == nil:
		keys, err = sm.Unlock(passphrase)
		return keys, "", err
	case errors.Is(err, ErrSeedNotAvailable):
	default:
		return nil, "", err
	}
	mnemonic, keys, err := sm.Create(passphrase)
	if err != nil {
		return nil, "", err
	}
	if err := sm.Save(path); err != nil {
		return nil, "", err
	}
	return keys, mnemonic, nil
}

func (s *SeedManager) ensureUnlocked() error {
	if s.lockedUntil.IsZero() {
		return nil
	}
	if s.now().Before(s.lockedUntil) {
		return ErrPassphraseLocked
	}
	return nil
}

func (s *SeedManager) onFailedPassphraseAttempt() {
	s.failedAttempts++
	s.lockedUntil = s.now().Add(failedAttemptBackoff(s.failedAttempts))
}

func (s *SeedManager) resetPassphraseAttemptState() {
	s.failedAttempts = 0
	s.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}
