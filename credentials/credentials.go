// Package credentials resolves API keys from configuration, credential
// files, the WakaTime config file and the environment.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds API keys loaded from credentials.toml, one section per
// provider:
//
//	[wakatime]
//	api_key = "waka_..."
type Credentials struct {
	providers map[string]*ProviderCreds
}

// ProviderCreds holds credentials for a single provider
type ProviderCreds struct {
	APIKey string `toml:"api_key"`
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{}

	// 1. Current directory
	paths = append(paths, "credentials.toml")

	// 2. ~/.config/activitykit/credentials.toml
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "activitykit", "credentials.toml"))
	}

	// 3. ~/.activitykit/credentials.toml (fallback)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".activitykit", "credentials.toml"))
	}

	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	return loadFirst(StandardPaths())
}

func loadFirst(paths []string) (*Credentials, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	// Check file permissions (Unix only)
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var rawData map[string]interface{}
	if _, err := toml.DecodeFile(path, &rawData); err != nil {
		return nil, err
	}

	creds := &Credentials{
		providers: make(map[string]*ProviderCreds),
	}
	for key, value := range rawData {
		section, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		apiKey, _ := section["api_key"].(string)
		if apiKey == "" {
			continue
		}
		creds.providers[strings.ToLower(key)] = &ProviderCreds{APIKey: apiKey}
	}

	return creds, nil
}

// Section returns the key stored in the provider's section, or "".
func (c *Credentials) Section(provider string) string {
	if c == nil {
		return ""
	}
	if creds, ok := c.providers[strings.ToLower(provider)]; ok {
		return creds.APIKey
	}
	return ""
}

// GetAPIKey returns the API key for a provider.
// Priority: [provider] section > environment variable
func (c *Credentials) GetAPIKey(provider string) string {
	if key := c.Section(provider); key != "" {
		return key
	}
	return os.Getenv(EnvVarForProvider(provider))
}

// EnvVarForProvider returns the environment variable name for a provider,
// e.g. WAKATIME_API_KEY.
func EnvVarForProvider(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}
