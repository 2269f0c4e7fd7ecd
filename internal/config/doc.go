// Package config loads the modem control configuration.
//
// Values are layered: baseline defaults, then an optional YAML file, then
// LWGSM_* environment overrides. The result is validated before use.
// Durations are kept as integer milliseconds in the file and exposed as
// time.Duration through accessors.
package config
