package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// coerceToJSONBytes converts TOML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) serves both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "toml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if strings.ToLower(filepath.Ext(path)) != ".toml" {
		return data, "json", nil
	}

	var v map[string]any
	if err := toml.Unmarshal(data, &v); err != nil {
		return nil, "toml", fmt.Errorf("toml unmarshal: %w", err)
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, "toml", fmt.Errorf("toml->json marshal: %w", err)
	}
	return j, "toml", nil
}
