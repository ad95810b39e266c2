// Package protocol hosts the connector cache shared by protocol-specific tool
// modules. Connectors are created lazily, initialized once, and reused for the
// lifetime of the cache that owns them.
package protocol
