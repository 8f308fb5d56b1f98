// Package config provides configuration loading and validation for the taskflux node.
//
// Configuration is read from a YAML file on top of DefaultConfig, with
// ${VAR} / ${VAR:-default} substitution and TASKFLUX_* overrides:
//
//	cfg, err := config.LoadConfig("/etc/taskflux/config.yaml")
//	if err != nil {
//	    return err
//	}
//	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
//	    // report errs
//	}
package config
