package conf

// Namespace returns a copy of defaults with every key prefixed by ns.
func Namespace(ns string, defaults DefaultConfig) DefaultConfig {
	out := make(DefaultConfig, len(defaults))
	for key, val := range defaults {
		out[ns+"."+key] = val
	}
	return out
}

// MergeDefaults flattens several default maps into one. Keys of later maps
// override keys of earlier ones.
func MergeDefaults(maps ...DefaultConfig) DefaultConfig {
	size := 0
	for _, m := range maps {
		size += len(m)
	}

	merged := make(DefaultConfig, size)
	for _, m := range maps {
		for key, val := range m {
			merged[key] = val
		}
	}

	return merged
}
