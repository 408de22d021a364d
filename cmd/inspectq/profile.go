package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const defaultProfile = "default"

type profile struct {
	BaseURL string     `yaml:"baseUrl"`
	Token   string     `yaml:"token"`
	RobotID string     `yaml:"robotId,omitempty"`
	Mint    mintConfig `yaml:"mint,omitempty"`
}

// mintConfig remembers issuer and audience for `auth mint`. The secret is
// never written to disk.
type mintConfig struct {
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

// profileStore reads and writes the CLI config file.
type profileStore struct {
	path string
}

func newProfileStore() profileStore { return profileStore{path: configPath()} }

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("INSPECTQ_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".inspectq", "config.yaml")
}

// load returns an empty config when the file does not exist yet.
func (s profileStore) load() (cliConfig, error) {
	cfg := cliConfig{Profiles: map[string]profile{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, nil
}

func (s profileStore) save(cfg cliConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// active returns the selected profile name and its contents.
func (s profileStore) active(flag string) (string, profile, error) {
	cfg, err := s.load()
	if err != nil {
		return "", profile{}, err
	}
	name := resolveProfileName(flag, cfg)
	return name, cfg.Profiles[name], nil
}

// update applies mutate to the selected profile and makes it current when it
// was named explicitly or no profile was current yet.
func (s profileStore) update(flag string, mutate func(*profile)) (string, error) {
	cfg, err := s.load()
	if err != nil {
		return "", err
	}
	name := resolveProfileName(flag, cfg)
	p := cfg.Profiles[name]
	mutate(&p)
	cfg.Profiles[name] = p
	if cfg.CurrentProfile == "" || strings.TrimSpace(flag) != "" {
		cfg.CurrentProfile = name
	}
	return name, s.save(cfg)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	return firstNonEmpty(flag, os.Getenv("INSPECTQ_PROFILE"), cfg.CurrentProfile, defaultProfile)
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	if line = strings.TrimSpace(line); line == "" {
		return def
	}
	return line
}

// promptSecret hides input on a terminal and reads one line otherwise, so
// secrets can be piped in.
func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Println()
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "<unset>"
	case len(v) <= 8:
		return "****"
	default:
		return v[:4] + "..." + v[len(v)-4:]
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
