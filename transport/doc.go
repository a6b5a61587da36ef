// Package transport defines the abstract full-duplex message channel a
// Session communicates over (C2), plus a handful of concrete, swappable
// framings. The session runtime depends only on the Transport interface;
// the implementations in this package are reference collaborators, not a
// fixed part of the runtime, mirroring how jrpc2's channel package is
// consumed by jrpc2.Server/Client without either depending on any one
// Framing.
package transport
