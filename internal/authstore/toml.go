package authstore

import (
	koanftoml "github.com/knadh/koanf/parsers/toml/v2"
)

// tomlMarshalFallback/tomlUnmarshalFallback reuse the same TOML codec
// internal/config uses (koanf's toml/v2 parser) rather than pulling in a
// second TOML library just for this file.

func tomlMarshalFallback(doc fallbackDoc) ([]byte, error) {
	generic := make(map[string]interface{}, len(doc))
	for provider, fields := range doc {
		f := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			f[k] = v
		}
		generic[provider] = f
	}
	return koanftoml.Parser().Marshal(generic)
}

func tomlUnmarshalFallback(data []byte, doc *fallbackDoc) error {
	generic, err := koanftoml.Parser().Unmarshal(data)
	if err != nil {
		return err
	}
	out := fallbackDoc{}
	for provider, v := range generic {
		fields, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		m := make(map[string]string, len(fields))
		for k, fv := range fields {
			if s, ok := fv.(string); ok {
				m[k] = s
			}
		}
		out[provider] = m
	}
	*doc = out
	return nil
}
