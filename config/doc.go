// Package config loads condflow configuration.
//
// Values come from a YAML file, an optional .env file and CONDFLOW_*
// environment variables, in increasing order of precedence. Nested keys are
// addressed with underscores, so CONDFLOW_EXECUTOR_MAX_PARALLEL sets
// executor.max_parallel.
//
//	cfg, err := config.Load(config.WithConfigFile("condflow.yml"))
package config
