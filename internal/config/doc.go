// Package config loads proxy settings from a YAML file and command line
// flags and turns them into a proxy.Config.
package config
