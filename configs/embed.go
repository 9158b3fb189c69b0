// Package configs provides the embedded configuration template.
//
// The template is embedded at build time so 'chatspace config init' can
// write a starter config file in every distribution, including plain
// 'go install' builds.
package configs

import _ "embed"

// ExampleConfig is the annotated starter configuration written by
// 'chatspace config init'.
//
//go:embed config.example.yaml
var ExampleConfig string
