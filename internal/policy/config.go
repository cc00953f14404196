package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides:
// MT_CONFLICT_RESOLUTION_MODE, _AUTONOMY, _LOG_RESOLUTIONS,
// _SECURITY_KEYWORDS.
const EnvPrefix = "MT_CONFLICT_RESOLUTION_"

// overlay mirrors Config with pointer fields so a layer only overrides the
// keys it actually sets. Unknown keys are rejected by the strict decoder.
type overlay struct {
	Mode             *string   `yaml:"mode"`
	Autonomy         *int      `yaml:"autonomy"`
	SecurityKeywords *[]string `yaml:"security_keywords"`
	LogResolutions   *bool     `yaml:"log_resolutions"`
}

// fileDoc is the shape of a config file: only the conflict_resolution section
// belongs to this package; sibling sections are owned by the tool config and
// tolerated here.
type fileDoc struct {
	ConflictResolution *overlay `yaml:"conflict_resolution"`
}

// Load builds the effective configuration by layering, lowest to highest:
// built-in defaults, the global file, the project file, environment
// variables. Missing files are fine; a present file with a malformed
// conflict_resolution section is an error. Validation runs on the merged
// result.
func Load(globalPath, projectPath string) (Config, error) {
	cfg := Default()

	for _, path := range []string{globalPath, projectPath} {
		if path == "" {
			continue
		}
		ov, err := readOverlayFile(path)
		if err != nil {
			return Config{}, err
		}
		if ov != nil {
			apply(&cfg, ov)
		}
	}

	ov, err := envOverlay()
	if err != nil {
		return Config{}, err
	}
	apply(&cfg, ov)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("conflict_resolution config: %w", err)
	}
	return cfg, nil
}

// readOverlayFile parses one config file's conflict_resolution section.
// Returns nil when the file does not exist or carries no section.
func readOverlayFile(path string) (*overlay, error) {
	data, err := os.ReadFile(path) // #nosec G304 - paths come from the config search, not user input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// First pass: pull out the section without constraining sibling keys.
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if doc.ConflictResolution == nil {
		return nil, nil
	}

	// Second pass: re-decode strictly so unknown conflict_resolution keys are
	// rejected rather than silently dropped.
	var raw struct {
		ConflictResolution yaml.Node `yaml:"conflict_resolution"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := decodeStrict(&raw.ConflictResolution, &overlay{}); err != nil {
		return nil, fmt.Errorf("config %s: conflict_resolution: %w", path, err)
	}
	return doc.ConflictResolution, nil
}

// decodeStrict decodes a YAML node rejecting unknown fields.
func decodeStrict(node *yaml.Node, out any) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// envOverlay reads the MT_CONFLICT_RESOLUTION_* variables. The same
// validation rules as file configuration apply, at merge time.
func envOverlay() (*overlay, error) {
	ov := &overlay{}

	if v, ok := os.LookupEnv(EnvPrefix + "MODE"); ok {
		mode := strings.ToLower(strings.TrimSpace(v))
		ov.Mode = &mode
	}
	if v, ok := os.LookupEnv(EnvPrefix + "AUTONOMY"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%sAUTONOMY: %q is not an integer", EnvPrefix, v)
		}
		ov.Autonomy = &n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_RESOLUTIONS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%sLOG_RESOLUTIONS: %q is not a bool", EnvPrefix, v)
		}
		ov.LogResolutions = &b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "SECURITY_KEYWORDS"); ok {
		var keywords []string
		for _, kw := range strings.Split(v, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("%sSECURITY_KEYWORDS must not be empty", EnvPrefix)
		}
		ov.SecurityKeywords = &keywords
	}
	return ov, nil
}

// apply overlays the explicitly-set keys of ov onto cfg. A missing key in a
// higher layer never clobbers a present lower-layer value.
func apply(cfg *Config, ov *overlay) {
	if ov.Mode != nil {
		cfg.Mode = Mode(*ov.Mode)
	}
	if ov.Autonomy != nil {
		cfg.Autonomy = *ov.Autonomy
	}
	if ov.SecurityKeywords != nil {
		cfg.SecurityKeywords = append([]string(nil), (*ov.SecurityKeywords)...)
	}
	if ov.LogResolutions != nil {
		cfg.LogResolutions = *ov.LogResolutions
	}
}
