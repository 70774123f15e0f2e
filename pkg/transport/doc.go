// Package transport maintains one lazily opened, long-lived connection per
// peer node, delivering consensus messages and forwarding client-style
// requests. Connections are discarded on I/O error and re-dialed on next
// use; ordering is preserved per connection and nowhere else.
package transport
