package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	DataDir          string
	DBPath           string
	UserPresetDir    string
	ProjectPresetDir string
	EMC2Binary       string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("E2MC2_DATA_DIR", filepath.Join(homeDir, ".e2mc2"))

	c := &Config{
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "e2mc2.db"),
		UserPresetDir:    filepath.Join(dataDir, "presets"),
		ProjectPresetDir: ".e2mc2/presets",
		EMC2Binary:       getEnv("E2MC2_BIN", "emc2"),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserPresetDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func (c *Config) PresetDirs() []string {
	return []string{c.ProjectPresetDir, c.UserPresetDir}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
