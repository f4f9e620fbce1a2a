// Package config loads engine defaults from a JSON file with SPILLQ_*
// environment overrides. It backs the CLI; library embedders normally
// configure queues directly in code.
package config
