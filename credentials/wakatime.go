package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Provider is the credentials section and environment prefix for WakaTime.
const Provider = "wakatime"

// MinAPIKeyLength is the shortest key ValidateAPIKey accepts.
const MinAPIKeyLength = 10

// ErrNoAPIKey is returned by Resolve when no source has a key.
var ErrNoAPIKey = errors.New("no API key configured")

var (
	cfgKeyPattern  = regexp.MustCompile(`api_key\s*=\s*([a-zA-Z0-9_-]+)`)
	cfgLinePattern = regexp.MustCompile(`api_key\s*=\s*[^\n]*`)
)

// Source names where a key was found.
type Source string

const (
	SourceExplicit    Source = "config"
	SourceCredentials Source = "credentials"
	SourceWakaTimeCfg Source = "wakatime_cfg"
	SourceEnv         Source = "env"
)

// WakaTimeConfigPath returns ~/.wakatime.cfg.
func WakaTimeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".wakatime.cfg")
}

// ReadWakaTimeConfig returns the api_key from a .wakatime.cfg file, or "" if
// the file is missing or has no key.
func ReadWakaTimeConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if m := cfgKeyPattern.FindSubmatch(data); m != nil {
		return string(m[1]), nil
	}
	return "", nil
}

// SaveAPIKey writes key to a .wakatime.cfg file, replacing an existing
// api_key line or appending a [settings] section.
func SaveAPIKey(path, key string) error {
	if err := ValidateAPIKey(key); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	content := string(data)
	line := "api_key = " + key
	if strings.Contains(content, "api_key") {
		replaced := false
		content = cfgLinePattern.ReplaceAllStringFunc(content, func(s string) string {
			if replaced {
				return s
			}
			replaced = true
			return line
		})
	} else {
		content += "\n[settings]\n" + line + "\n"
	}
	return os.WriteFile(path, []byte(content), 0600)
}

// ValidateAPIKey rejects obviously malformed keys.
func ValidateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNoAPIKey
	}
	if len(key) < MinAPIKeyLength {
		return fmt.Errorf("API key too short: %d characters (minimum %d)", len(key), MinAPIKeyLength)
	}
	return nil
}

// Resolver finds the WakaTime API key.
type Resolver struct {
	// Explicit is a key from the application config; it wins when set.
	Explicit string

	// CredentialPaths are searched for a [wakatime] section.
	// Default: StandardPaths()
	CredentialPaths []string

	// WakaTimeCfg is the .wakatime.cfg file. Default: WakaTimeConfigPath()
	WakaTimeCfg string

	// Getenv reads the environment. Default: os.Getenv
	Getenv func(string) string
}

// Resolve returns the first key found, in priority order: explicit config,
// credentials.toml, .wakatime.cfg, WAKATIME_API_KEY. A credentials file with
// insecure permissions is an error rather than skipped.
func (r Resolver) Resolve() (string, Source, error) {
	if key := strings.TrimSpace(r.Explicit); key != "" {
		return key, SourceExplicit, nil
	}

	paths := r.CredentialPaths
	if paths == nil {
		paths = StandardPaths()
	}
	creds, _, err := loadFirst(paths)
	if err != nil {
		return "", "", err
	}
	if key := creds.Section(Provider); key != "" {
		return key, SourceCredentials, nil
	}

	cfgPath := r.WakaTimeCfg
	if cfgPath == "" {
		cfgPath = WakaTimeConfigPath()
	}
	if cfgPath != "" {
		key, err := ReadWakaTimeConfig(cfgPath)
		if err != nil {
			return "", "", fmt.Errorf("read %s: %w", cfgPath, err)
		}
		if key != "" {
			return key, SourceWakaTimeCfg, nil
		}
	}

	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if key := strings.TrimSpace(getenv(EnvVarForProvider(Provider))); key != "" {
		return key, SourceEnv, nil
	}
	return "", "", ErrNoAPIKey
}

// Resolve is Resolver{Explicit: explicit}.Resolve().
func Resolve(explicit string) (string, Source, error) {
	return Resolver{Explicit: explicit}.Resolve()
}
