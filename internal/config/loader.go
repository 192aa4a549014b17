package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names the directive that pulls other files in beneath the
// including one. The bare "include" spelling is accepted too.
const includeKey = "$include"

var errMultipleDocuments = errors.New("expected a single document")

// Load reads path, resolves $include directives and ${ENV} references,
// applies defaults and validates the result. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{Version: CurrentVersion}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if cfg, err = decodeRawConfig(raw); err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRaw reads a configuration file into one raw map. Included files are
// merged in order and the including file is merged last, so its keys win.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	r := &includeResolver{active: map[string]bool{}}
	return r.load(path)
}

// includeResolver walks the include graph depth first. active holds the
// files on the current path so a file may be included twice but never
// recursively.
type includeResolver struct {
	active map[string]bool
}

func (r *includeResolver) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	r.active[abs] = true
	defer delete(r.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(expandEnv(data), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		child, err := r.load(inc)
		if err != nil {
			return nil, err
		}
		mergeInto(merged, child)
	}
	mergeInto(merged, doc)
	return merged, nil
}

// expandEnv substitutes $VAR and ${VAR} references. The include directive
// shares the $ prefix and is left as written.
func expandEnv(data []byte) []byte {
	directive := strings.TrimPrefix(includeKey, "$")
	return []byte(os.Expand(string(data), func(name string) string {
		if name == directive {
			return includeKey
		}
		return os.Getenv(name)
	}))
}

// decodeDocument parses JSON5 for .json and .json5 files and YAML otherwise.
func decodeDocument(data []byte, path string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && err != io.EOF {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, errMultipleDocuments
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the include directive from doc and returns its
// non-blank paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	var value any
	for _, key := range []string{includeKey, strings.TrimPrefix(includeKey, "$")} {
		if v, ok := doc[key]; ok {
			value = v
			delete(doc, key)
			break
		}
	}

	var paths []string
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		paths = []string{v}
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}

	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// mergeInto deep-merges src into dst. Nested maps merge key by key; any
// other value in src replaces the one in dst.
func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		child, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			mergeInto(existing, child)
			continue
		}
		dst[key] = value
	}
}

// decodeRawConfig round-trips the merged map through YAML so unknown keys
// are rejected by the typed decoder.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
