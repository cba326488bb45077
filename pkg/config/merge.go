package config

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/mohae/deepcopy"
	"github.com/spf13/viper"
)

// mergeLayers deep merges the given maps from left to right. Nested maps merge key by key;
// any other value, arrays included, is replaced wholesale by the later layer. Keys are
// lowercased. The inputs are never mutated.
func mergeLayers(layers ...map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	for _, layer := range layers {
		v := viper.New()
		for k, val := range merged {
			v.SetDefault(k, val)
		}
		if layer != nil {
			if err := v.MergeConfigMap(copyMap(layer)); err != nil {
				return nil, err
			}
		}
		merged = v.AllSettings()
	}
	return merged, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepcopy.Copy(m).(map[string]any)
}

// decode maps a merged settings map onto a typed struct using mapstructure tags.
func decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringMapHook,
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// stringMapHook normalizes map[any]any values, as produced by some YAML decoders, into
// map[string]any.
func stringMapHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	m, ok := data.(map[any]any)
	if !ok {
		return data, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[fmt.Sprint(k)] = v
	}
	return out, nil
}

// asMap returns v as a string-keyed map, or nil.
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out
	}
	return nil
}

// asMaps returns v as a list of string-keyed maps. Non-map items are dropped.
func asMaps(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m := asMap(item); m != nil {
			out = append(out, m)
		}
	}
	return out
}
