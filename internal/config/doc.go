// Package config loads and validates the bygeon.toml configuration.
//
// The file has two top-level tables. [Clients.<Platform>] carries each
// connector's credentials and endpoints; [[Hubs]] lists the bridged
// conversations, each naming the remote channel every participating
// platform contributes. ${VAR} references are expanded from the
// environment before decoding, so tokens can be kept out of the file.
package config
