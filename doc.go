// Package mcpsession implements the bidirectional JSON-RPC 2.0 session
// runtime at the core of a Model Context Protocol (MCP) implementation:
// wire encoding/decoding, the pending-request registry, the single-reader
// dispatch loop, and the handshake/capability/cancellation state machine.
//
// A Session is constructed with an Assigner describing the methods this
// side serves, then bound to a transport.Transport with Connect. Either
// side of a session may originate requests: Connect's Role argument only
// distinguishes who sends the initial "initialize" request.
//
// Long-running, task-augmented requests (separate status/result polling,
// mid-task elicitation and sampling) are layered on top by the task
// subpackage, which consumes a Session as its Peer.
package mcpsession
