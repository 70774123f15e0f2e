// Package wire defines the FleetFS wire protocol: length-prefixed frames
// whose body is a tagged union of request or response variants, the
// error-code enum, and the reusable response builder that travels through
// the pending-response table.
package wire
