package statefile

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v3"
)

// Dump serializes a nested document (maps, slices, scalars, registered types)
// to a YAML file. The write is atomic: a temp file in the same directory is
// renamed over the target, so a crash mid-dump never leaves a half-written
// state file behind.
func Dump(doc map[string]any, path string) error {
	enc, err := encodeValue(doc)
	if err != nil {
		return err
	}

	b, err := yaml.Marshal(enc)
	if err != nil {
		return fmt.Errorf("statefile: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads a YAML document written by Dump, reconstructing registered types
// from their tagged mappings. Any unknown tag or codec failure fails the
// whole load; callers must keep their current state on error.
func Load(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("statefile: parse %s: %w", filepath.Base(path), err)
	}

	dec, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	doc, ok := dec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("statefile: %s: top-level value is %T, want mapping", filepath.Base(path), dec)
	}
	return doc, nil
}

// encodeValue recursively replaces registered types with tagged mappings.
func encodeValue(v any) (any, error) {
	if c := codecFor(v); c != nil {
		fields, err := c.Encode(v)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(fields)+1)
		out[TypeTagKey] = c.Tag()
		for k, fv := range fields {
			out[k] = fv
		}
		return out, nil
	}

	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, mv := range x {
			ev, err := encodeValue(mv)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, sv := range x {
			ev, err := encodeValue(sv)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

// decodeValue recursively rebuilds registered types from tagged mappings.
func decodeValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if tagRaw, ok := x[TypeTagKey]; ok {
			tag, _ := tagRaw.(string)
			c, known := codecsByTag[tag]
			if !known {
				return nil, fmt.Errorf("statefile: unknown type tag %q", tag)
			}
			fields := make(map[string]any, len(x)-1)
			for k, fv := range x {
				if k == TypeTagKey {
					continue
				}
				fields[k] = fv
			}
			return c.Decode(fields)
		}
		out := make(map[string]any, len(x))
		for k, mv := range x {
			dv, err := decodeValue(mv)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, sv := range x {
			dv, err := decodeValue(sv)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}
