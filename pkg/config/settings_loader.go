package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cexll/agentcore/pkg/logging"
)

const (
	configDirName   = ".agentcore"
	projectFileName = "settings.yaml"
	localFileName   = "settings.local.yaml"
)

// SettingsLoader composes settings using a simple precedence model.
// Order (low -> high): defaults < project < local < runtime overrides.
type SettingsLoader struct {
	ProjectRoot      string
	RuntimeOverrides *Settings
	Logger           logging.Logger
}

// Root returns the absolute config directory watched for changes.
func (l *SettingsLoader) Root() string {
	root := l.ProjectRoot
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return filepath.Join(root, configDirName)
}

// Load resolves and merges settings across all layers.
func (l *SettingsLoader) Load() (*Settings, error) {
	if strings.TrimSpace(l.ProjectRoot) == "" {
		return nil, errors.New("config: project root is required for settings loading")
	}
	dir := l.Root()
	logger := logging.OrNop(l.Logger)
	merged := GetDefaultSettings()
	hash := sha256.New()

	layers := []struct {
		name string
		path string
	}{
		{name: "project", path: filepath.Join(dir, projectFileName)},
		{name: "local", path: filepath.Join(dir, localFileName)},
	}
	for _, layer := range layers {
		raw, err := applySettingsLayer(logger, &merged, layer.name, layer.path)
		if err != nil {
			return nil, err
		}
		hash.Write(raw)
	}

	if l.RuntimeOverrides != nil {
		logger.Debug("config: applying runtime overrides")
		if next := MergeSettings(&merged, l.RuntimeOverrides); next != nil {
			merged = *next
		}
	}
	if err := ValidateSettings(&merged); err != nil {
		return nil, err
	}
	merged.SourceHash = hex.EncodeToString(hash.Sum(nil))
	return &merged, nil
}

// loadYAMLFile decodes a settings file. Missing files return (nil, nil, nil).
func loadYAMLFile(path string) (*Settings, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &s, data, nil
}

func applySettingsLayer(logger logging.Logger, dst *Settings, name, path string) ([]byte, error) {
	cfg, raw, err := loadYAMLFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s settings: %w", name, err)
	}
	if cfg == nil {
		logger.Debug("config: %s layer not found at %s", name, path)
		return nil, nil
	}
	logger.Debug("config: applying %s layer from %s", name, path)
	if next := MergeSettings(dst, cfg); next != nil {
		*dst = *next
	}
	return raw, nil
}
