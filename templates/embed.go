// Package templates embeds the example configuration files written by
// "ozwatch init".
package templates

import "embed"

//go:embed config.yaml config.toml
var FS embed.FS

// Names of the embedded files, by format.
const (
	ConfigYAML = "config.yaml"
	ConfigTOML = "config.toml"
)
