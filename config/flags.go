package config

import (
	"github.com/spf13/pflag"
)

// FlagOverrides collects the flags the user set explicitly, keyed by the config path keys maps
// them to. Flags left at their default, or absent from keys, don't override anything.
func FlagOverrides(fs *pflag.FlagSet, keys map[string]string) map[string]any {
	out := make(map[string]any)
	fs.Visit(func(f *pflag.Flag) {
		key, ok := keys[f.Name]
		if !ok {
			return
		}
		switch f.Value.Type() {
		case "stringSlice":
			v, _ := fs.GetStringSlice(f.Name)
			out[key] = v
		default:
			out[key] = f.Value.String()
		}
	})
	return out
}
