package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultConfigHeader = `# singio-broker Configuration File
#
# This file was generated by "singio-broker init". Edit the values below
# to match your deployment, or override any key with an environment
# variable of the form SINGIO_<SECTION>_<KEY> (e.g. SINGIO_IPC_SOCKET).
`

// InitConfig writes a default configuration file to the default location
// ($XDG_CONFIG_HOME/singio-broker/config.yaml, or ~/.config/singio-broker
// when XDG_CONFIG_HOME is unset), failing unless force is set if a file
// already exists there. Returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, failing
// unless force is set if a file already exists there.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	cfg := GetDefaultConfig()

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	content := append([]byte(defaultConfigHeader), body...)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
