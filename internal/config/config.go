package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/skythen/cardauth"
)

type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Keys      []KeyConfig      `yaml:"keys"`
	KeyServer *KeyServerConfig `yaml:"key_server"`
}

type KeyConfig struct {
	Name            string                 `yaml:"name"`
	Family          string                 `yaml:"family"`
	Hex             string                 `yaml:"hex"`
	HexFile         string                 `yaml:"hex_file"`
	KeyNo           *int                   `yaml:"key_no"`
	Diversification *DiversificationConfig `yaml:"diversification"`
}

type DiversificationConfig struct {
	SystemIdentifier string `yaml:"system_identifier"`
	ReverseAID       bool   `yaml:"reverse_aid"`
	ForceK2          bool   `yaml:"force_k2"`
}

type KeyServerConfig struct {
	Listen         string     `yaml:"listen"`
	TLS            *TLSConfig `yaml:"tls"`
	MaxRandomBytes *int       `yaml:"max_random_bytes"`
}

type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	cfg.resolvePaths(path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	if len(c.Keys) == 0 {
		return errors.New("config.keys must contain at least one key")
	}

	names := make(map[string]struct{}, len(c.Keys))

	for i, k := range c.Keys {
		field := keyField(i)

		if strings.TrimSpace(k.Name) == "" {
			return errors.Errorf("%s.name is required", field)
		}

		if _, ok := names[k.Name]; ok {
			return errors.Errorf("%s.name %q is used twice", field, k.Name)
		}

		names[k.Name] = struct{}{}

		if _, err := cardauth.ParseFamily(k.Family); err != nil {
			return errors.Errorf("%s.family must be one of des, 3des, 3k3des, aes", field)
		}

		hasHex, hasFile := strings.TrimSpace(k.Hex) != "", strings.TrimSpace(k.HexFile) != ""
		if hasHex == hasFile {
			return errors.Errorf("%s requires exactly one of hex and hex_file", field)
		}

		if hasFile {
			if err := validateReadableFile(k.HexFile, field+".hex_file"); err != nil {
				return err
			}
		}

		if k.KeyNo == nil {
			return errors.Errorf("%s.key_no is required", field)
		}

		if *k.KeyNo < 0 || *k.KeyNo > 0x0D {
			return errors.Errorf("%s.key_no must be 0..13", field)
		}

		if k.Diversification != nil && k.Diversification.SystemIdentifier != "" {
			if _, err := hex.DecodeString(k.Diversification.SystemIdentifier); err != nil {
				return errors.Errorf("%s.diversification.system_identifier is not valid hex", field)
			}
		}
	}

	if c.KeyServer != nil {
		return c.KeyServer.validate()
	}

	return nil
}

func (s *KeyServerConfig) validate() error {
	if strings.TrimSpace(s.Listen) == "" {
		return errors.New("config.key_server.listen is required")
	}

	if s.MaxRandomBytes != nil && (*s.MaxRandomBytes <= 0 || *s.MaxRandomBytes > 0xFFFF) {
		return errors.New("config.key_server.max_random_bytes must be 1..65535")
	}

	if s.TLS == nil {
		return nil
	}

	if strings.TrimSpace(s.TLS.CertFile) == "" {
		return errors.New("config.key_server.tls.cert_file is required")
	}

	if strings.TrimSpace(s.TLS.KeyFile) == "" {
		return errors.New("config.key_server.tls.key_file is required")
	}

	for field, path := range map[string]string{
		"config.key_server.tls.cert_file": s.TLS.CertFile,
		"config.key_server.tls.key_file":  s.TLS.KeyFile,
	} {
		if err := validateReadableFile(path, field); err != nil {
			return err
		}
	}

	if s.TLS.ClientCAFile != "" {
		return validateReadableFile(s.TLS.ClientCAFile, "config.key_server.tls.client_ca_file")
	}

	return nil
}

// Level returns the configured log level, zerolog.InfoLevel if none is set.
func (c *Config) Level() (zerolog.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zerolog.NoLevel, errors.Errorf("config.log_level %q is invalid", c.LogLevel)
	}

	return level, nil
}

// KeyStore loads the key material of all configured keys into a cardauth.MemoryKeyStore. Keys with
// a diversification section carry the corresponding cardauth.Diversification.
func (c *Config) KeyStore() (*cardauth.MemoryKeyStore, error) {
	store, err := cardauth.NewMemoryKeyStore()
	if err != nil {
		return nil, err
	}

	for i, k := range c.Keys {
		if k.KeyNo == nil {
			return nil, errors.Errorf("%s.key_no is required", keyField(i))
		}

		key, err := k.load(keyField(i))
		if err != nil {
			return nil, err
		}

		if err = store.Add(cardauth.KeyEntry{Name: k.Name, KeyNo: byte(*k.KeyNo), Key: key}); err != nil {
			return nil, errors.Wrap(err, keyField(i))
		}
	}

	return store, nil
}

func (k KeyConfig) load(field string) (cardauth.Key, error) {
	family, err := cardauth.ParseFamily(k.Family)
	if err != nil {
		return cardauth.Key{}, errors.Wrap(err, field+".family")
	}

	encoded := k.Hex

	if strings.TrimSpace(k.HexFile) != "" {
		content, err := os.ReadFile(k.HexFile)
		if err != nil {
			return cardauth.Key{}, errors.Wrap(err, field+".hex_file")
		}

		encoded = string(content)
	}

	data, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		// the cause quotes the offending character
		return cardauth.Key{}, errors.Errorf("%s: key material is not valid hex", field)
	}

	key, err := cardauth.NewKey(family, data)
	for i := range data {
		data[i] = 0x00
	}

	if err != nil {
		return cardauth.Key{}, errors.Wrap(err, field)
	}

	if k.Diversification != nil {
		sysID, err := hex.DecodeString(k.Diversification.SystemIdentifier)
		if err != nil {
			return cardauth.Key{}, errors.Errorf("%s.diversification.system_identifier is not valid hex", field)
		}

		key = key.WithDiversification(cardauth.Diversification{
			SystemIdentifier: sysID,
			ReverseAID:       k.Diversification.ReverseAID,
			ForceK2:          k.Diversification.ForceK2,
		})
	}

	return key, nil
}

// MaxRandom returns the configured limit of random bytes per request, 0 for the server default.
func (s *KeyServerConfig) MaxRandom() int {
	if s.MaxRandomBytes == nil {
		return 0
	}

	return *s.MaxRandomBytes
}

// ServerTLSConfig returns the TLS configuration of the key server, nil if TLS is not configured.
// A client CA file enables mutual TLS.
func (s *KeyServerConfig) ServerTLSConfig() (*tls.Config, error) {
	if s.TLS == nil {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load key server certificate")
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	if s.TLS.ClientCAFile != "" {
		pem, err := os.ReadFile(s.TLS.ClientCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read client CA file")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("client CA file contains no PEM certificate")
		}

		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)

	for i := range c.Keys {
		c.Keys[i].HexFile = resolvePath(configDir, c.Keys[i].HexFile)
	}

	if c.KeyServer != nil && c.KeyServer.TLS != nil {
		c.KeyServer.TLS.CertFile = resolvePath(configDir, c.KeyServer.TLS.CertFile)
		c.KeyServer.TLS.KeyFile = resolvePath(configDir, c.KeyServer.TLS.KeyFile)
		c.KeyServer.TLS.ClientCAFile = resolvePath(configDir, c.KeyServer.TLS.ClientCAFile)
	}
}

func keyField(i int) string {
	return "config.keys[" + strconv.Itoa(i) + "]"
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}

	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, field)
	}

	if info.IsDir() {
		return errors.Errorf("%s must point to a file, got directory", field)
	}

	return nil
}
