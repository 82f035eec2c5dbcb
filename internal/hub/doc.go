// Package hub coordinates one logical conversation bridged across
// platforms.
//
// A Hub is linked at startup to one connector per participating platform,
// each bound to a remote channel id. Connector ingress goroutines call
// OnNewMessage, OnEdit, and OnDelete; the hub consults its correspondence
// store to translate ids between platforms and dispatches each sibling
// egress operation on its own goroutine.
//
// Per logical message the hub drives a monotonic state machine: the origin
// row is inserted when the message is first observed, and each successful
// sibling send fills in that sibling's column. Edits and deletes operate
// best-effort over whichever sibling ids are known at the time of the
// event; a missing translation skips that sibling rather than failing the
// fan-out.
package hub
