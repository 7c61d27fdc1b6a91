// Package vault resolves a user's exchange credentials.
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/persistence"
)

// ErrNotConfigured is returned when no credentials exist for the user.
var ErrNotConfigured = errors.New("api credentials not configured")

// Vault returns the credentials stored for a user.
type Vault interface {
	GetCredentials(userID string) (models.Credentials, error)
}

// Store is a Vault whose credentials can be changed at runtime.
type Store interface {
	Vault
	SaveCredentials(userID string, creds models.Credentials) error
	DeleteCredentials(userID string) error
}

// EnvVault reads MMBOT_<USER>_API_KEY and MMBOT_<USER>_API_SECRET.
// For the default user it falls back to BINANCE_API_KEY and BINANCE_SECRET_KEY.
type EnvVault struct {
	DefaultUser string
	lookup      func(string) (string, bool)
}

func NewEnvVault(defaultUser string) *EnvVault {
	return &EnvVault{DefaultUser: defaultUser, lookup: os.LookupEnv}
}

func envName(userID, suffix string) string {
	upper := strings.ToUpper(userID)
	clean := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return "MMBOT_" + clean + "_" + suffix
}

func (v *EnvVault) GetCredentials(userID string) (models.Credentials, error) {
	key, _ := v.lookup(envName(userID, "API_KEY"))
	secret, _ := v.lookup(envName(userID, "API_SECRET"))
	if (key == "" || secret == "") && userID == v.DefaultUser {
		key, _ = v.lookup("BINANCE_API_KEY")
		secret, _ = v.lookup("BINANCE_SECRET_KEY")
	}
	if key == "" || secret == "" {
		return models.Credentials{}, ErrNotConfigured
	}
	return models.Credentials{APIKey: key, APISecret: secret}, nil
}

// storedCredentials is the persisted form of a user's credentials.
type storedCredentials struct {
	UserID    string             `json:"userId"`
	Creds     models.Credentials `json:"credentials"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// BadgerVault keeps credentials saved through the API in the durable store.
type BadgerVault struct {
	repo persistence.Repository[storedCredentials]
}

func NewBadgerVault(db *persistence.DB) *BadgerVault {
	return &BadgerVault{repo: persistence.NewRepository[storedCredentials](db, "credentials")}
}

func (v *BadgerVault) GetCredentials(userID string) (models.Credentials, error) {
	stored, err := v.repo.Load(userID)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if stored == nil || stored.Creds.APIKey == "" {
		return models.Credentials{}, ErrNotConfigured
	}
	return stored.Creds, nil
}

func (v *BadgerVault) SaveCredentials(userID string, creds models.Credentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("%w: apiKey and apiSecret are required", models.ErrInvalidInput)
	}
	return v.repo.Save(userID, &storedCredentials{UserID: userID, Creds: creds, UpdatedAt: time.Now()})
}

func (v *BadgerVault) DeleteCredentials(userID string) error {
	return v.repo.Delete(userID)
}

// ChainVault asks each vault in order and returns the first configured credentials.
// Writes go to the first vault that is a Store.
type ChainVault struct {
	vaults []Vault
}

func NewChainVault(vaults ...Vault) *ChainVault {
	return &ChainVault{vaults: vaults}
}

func (c *ChainVault) GetCredentials(userID string) (models.Credentials, error) {
	for _, v := range c.vaults {
		creds, err := v.GetCredentials(userID)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNotConfigured) {
			return models.Credentials{}, err
		}
	}
	return models.Credentials{}, ErrNotConfigured
}

func (c *ChainVault) store() (Store, error) {
	for _, v := range c.vaults {
		if s, ok := v.(Store); ok {
			return s, nil
		}
	}
	return nil, errors.New("no writable vault configured")
}

func (c *ChainVault) SaveCredentials(userID string, creds models.Credentials) error {
	s, err := c.store()
	if err != nil {
		return err
	}
	return s.SaveCredentials(userID, creds)
}

func (c *ChainVault) DeleteCredentials(userID string) error {
	s, err := c.store()
	if err != nil {
		return err
	}
	return s.DeleteCredentials(userID)
}

// MemoryVault is an in-process Store.
type MemoryVault struct {
	mu    sync.RWMutex
	creds map[string]models.Credentials
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{creds: make(map[string]models.Credentials)}
}

func (m *MemoryVault) GetCredentials(userID string) (models.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[userID]
	if !ok {
		return models.Credentials{}, ErrNotConfigured
	}
	return c, nil
}

func (m *MemoryVault) SaveCredentials(userID string, creds models.Credentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("%w: apiKey and apiSecret are required", models.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[userID] = creds
	return nil
}

func (m *MemoryVault) DeleteCredentials(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, userID)
	return nil
}
