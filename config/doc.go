// Package config loads the taskflow configuration from defaults, an optional
// YAML file, and TASKFLOW_-prefixed environment variables, in that order.
package config
