package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dealchain/crypto"

	"github.com/BurntSushi/toml"
)

// Storage backends understood by the node.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

type Config struct {
	DataDir             string        `toml:"DataDir"`
	Backend             string        `toml:"Backend"`
	ServiceKeystorePath string        `toml:"ServiceKeystorePath"`
	Deal                DealConfig    `toml:"deal"`
	Assets              []AssetConfig `toml:"assets"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a freshly generated default.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
	}

	if strings.TrimSpace(cfg.Deal.ServiceIdentity) == "" {
		if err := ensureServiceKey(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = BackendLevelDB
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./deal-data"
	}
	d := defaultDealConfig()
	if c.Deal.FeeEligibleAsset == "" {
		c.Deal.FeeEligibleAsset = d.FeeEligibleAsset
	}
	if c.Deal.HolderAsset == "" {
		c.Deal.HolderAsset = d.HolderAsset
	}
	if c.Deal.HolderThreshold == "" {
		c.Deal.HolderThreshold = d.HolderThreshold
	}
	if c.Deal.HolderWaiverAmount == "" {
		c.Deal.HolderWaiverAmount = c.Deal.HolderThreshold
	}
	if c.Deal.RecordDeposit == "" {
		c.Deal.RecordDeposit = d.RecordDeposit
	}
	if c.Deal.AccountDeposit == "" {
		c.Deal.AccountDeposit = d.AccountDeposit
	}
	if strings.TrimSpace(c.Deal.FeeRecipient) == "" {
		c.Deal.FeeRecipient = c.Deal.ServiceIdentity
	}
	if c.Assets == nil {
		c.Assets = defaultAssets()
	}
}

// ensureServiceKey loads or creates the service keystore and records the
// identity it controls.
func ensureServiceKey(configPath string, cfg *Config) error {
	keystorePath := cfg.ServiceKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	var key *crypto.PrivateKey
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		generated, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, generated, ""); err != nil {
			return err
		}
		key = generated
	} else if err != nil {
		return err
	} else {
		loaded, err := crypto.LoadFromKeystore(keystorePath, "")
		if err != nil {
			return fmt.Errorf("service keystore %s: %w", keystorePath, err)
		}
		key = loaded
	}

	cfg.ServiceKeystorePath = keystorePath
	cfg.Deal.ServiceIdentity = key.PubKey().Address().String()
	cfg.applyDefaults()
	return persist(configPath, cfg)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	identity := key.PubKey().Address().String()
	cfg := &Config{
		DataDir:             "./deal-data",
		Backend:             BackendLevelDB,
		ServiceKeystorePath: keystorePath,
		Deal:                defaultDealConfig(),
		Assets:              defaultAssets(),
	}
	cfg.Deal.ServiceIdentity = identity
	cfg.Deal.FeeRecipient = identity

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "service.keystore")
}
