// Package connector defines the contract every platform adapter honors
// and the helpers they share.
//
// A connector bridges one chat platform: it keeps a persistent ingress
// WebSocket open (reconnecting on unexpected closes), decodes platform
// events into message values, routes them to the hub registered for the
// event's remote channel, and exposes Send/Edit/Delete egress operations
// against the platform's REST surface.
//
// Connectors promise two filters on ingress: events authored by the
// connector's own bot identity are dropped, and delete/edit notifications
// that are echoes of this process's own egress operations are swallowed
// via internal/echo. Both stop bridge loops.
//
// Implementations live in the discord, slack, and cqhttp subpackages.
package connector
