// Package coordinator owns the session lifecycle for desk-gateway.
//
// # Overview
//
// The coordinator sits between the HTTP gateway and the agent runtimes.
// It creates sessions, lazily instantiates one runtime per session on
// the first message, and executes turns.
//
// # Turn Execution
//
// A turn is strictly sequenced per session and enforced with an atomic
// single-flight claim:
//
//  1. Persist the user message
//  2. Mark the session active and publish a status event
//  3. Run the runtime with the prior history plus the new text
//  4. Relay runtime callbacks to the store and the fan-out hub
//  5. Persist the assistant reply, mark the session idle
//
// Any failure moves the session to the error status, records a system
// message with the cause, and publishes an error event. The session
// stays usable: the next turn is accepted normally.
//
// # Crash Recovery
//
// In-flight state is process-local. Recover resets sessions left
// "active" by a previous process to "idle" at startup.
package coordinator
