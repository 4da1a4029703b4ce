// Package config loads the runbox configuration with viper.
//
// Values come from config.yaml (the working directory or ./config, or an
// explicit path), then RUNBOX_* environment variables with dots replaced by
// underscores, then built-in defaults. Load validates the result and names
// the offending key in its error. Watch re-reads the file on change so the
// security policy can be swapped without a restart.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
