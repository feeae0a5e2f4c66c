// Package config loads the platform's configuration: box domain, hostnames,
// auth token, poll/idle/build tuning, and adapter connection settings.
// Layered as defaults, then a YAML file via viper, with sensitive fields
// encrypted at rest.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/pbkdf2"
)

// Config is the platform's full runtime configuration.
type Config struct {
	BoxDomain          string        `yaml:"box_domain"`
	ManagementHostname string        `yaml:"management_hostname"`
	CoordinatorURL     string        `yaml:"coordinator_url"`
	AuthToken          string        `yaml:"auth_token"` // encrypted at rest
	PollInterval       time.Duration `yaml:"poll_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	BuildConcurrency   int           `yaml:"build_concurrency"`

	Store  StoreConfig  `yaml:"store"`
	Docker DockerConfig `yaml:"docker"`
	GitHub GitHubConfig `yaml:"github"`
	TLS    TLSConfig    `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig points at the SQLite database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DockerConfig configures the container host adapter's engine connection.
type DockerConfig struct {
	Host string `yaml:"host"`
}

// GitHubConfig configures the source host adapter's API credentials.
type GitHubConfig struct {
	Token string `yaml:"token"` // encrypted at rest
}

// TLSConfig configures the certificate provider.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig configures the application and request loggers.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func defaults() Config {
	return Config{
		BoxDomain:          "box.local",
		ManagementHostname: "manage.box.local",
		PollInterval:       60 * time.Second,
		IdleTimeout:        10 * time.Minute,
		BuildConcurrency:   1,
		Store:              StoreConfig{Path: "deploybox.db"},
		Logging:            LoggingConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 5},
	}
}

// Load reads configuration from path (YAML) layered over defaults, via
// viper, and decrypts the sensitive fields using passphrase.
func Load(path, passphrase string) (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}

	if passphrase != "" {
		if cfg.AuthToken != "" {
			dec, err := decrypt(cfg.AuthToken, passphrase)
			if err != nil {
				return nil, fmt.Errorf("decrypt auth_token: %w", err)
			}
			cfg.AuthToken = dec
		}
		if cfg.GitHub.Token != "" {
			dec, err := decrypt(cfg.GitHub.Token, passphrase)
			if err != nil {
				return nil, fmt.Errorf("decrypt github.token: %w", err)
			}
			cfg.GitHub.Token = dec
		}
	}

	return &cfg, nil
}

// LoadDefault loads from $DEPLOYBOX_CONFIG if set, else from the platform's
// conventional config path ($XDG_CONFIG_HOME/deploybox/config.yaml, falling
// back to ./deploybox.yaml), decrypting with the passphrase in
// $DEPLOYBOX_CONFIG_PASSPHRASE (none if unset).
func LoadDefault() (*Config, error) {
	path := os.Getenv("DEPLOYBOX_CONFIG")
	if path == "" {
		if home, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(home, "deploybox", "config.yaml")
		} else {
			path = "deploybox.yaml"
		}
	}
	return Load(path, os.Getenv("DEPLOYBOX_CONFIG_PASSPHRASE"))
}

// deriveKey derives a 32-byte AES-256 key from passphrase via PBKDF2.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
}

func encrypt(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(salt, ciphertext...)), nil
}

func decrypt(encoded, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < 16 {
		return "", errors.New("ciphertext too short")
	}
	salt, ciphertext := raw[:16], raw[16:]
	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptSecret is exposed so operator tooling can populate an encrypted
// auth_token/github.token field in a config file.
func EncryptSecret(plaintext, passphrase string) (string, error) {
	return encrypt(plaintext, passphrase)
}
