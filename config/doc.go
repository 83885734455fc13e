// Package config loads, normalizes, and validates photochrom configuration.
//
// It supplies defaults matching the stock training recipe, expands user
// paths, reads TOML files, and converts the result into the constructor
// configs of the data, model, training and tracking packages. A Config is
// treated as immutable once Load returns it.
package config
