// Package config provides loading and environment overlay for the weft
// daemon configuration. It exposes a Default() baseline, file loading (JSON
// or YAML by extension), and a WEFT_* environment overlay; flags layered on
// top by the CLI win over everything.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/weft.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { /* handle */ }
//	// Pass cfg into run.Options.
package config
