// Package registry stores platform-wide permissions and the system roles that
// group them.
//
// Permissions are keyed by (identifier, guard). System roles carry a stable
// numeric id that configuration refers to; the store refuses to silently
// rebind an id to a different name.
package registry
