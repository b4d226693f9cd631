// Package config loads the YAML configuration of the change router.
package config
