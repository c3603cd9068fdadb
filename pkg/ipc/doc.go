/*
Package ipc implements the Listener-to-Worker transport: a bit-exact,
length-prefixed binary frame format carried over a pair of process-unique
Unix domain sockets, one per direction, so that neither side's write ever
blocks on the other's backlog.

A frame is:

	4 bytes  message type, little-endian uint32
	4 bytes  body length, little-endian uint32
	N bytes  UTF-8 JSON body

This is the one component whose wire format is intentionally bit-exact
rather than delegated to an ecosystem serialization library: the framing
itself (type + length prefix) has nothing for a library like protobuf to
do, and introducing one here would only add an unused dependency for a
8-byte header. The body remains plain JSON, matching every other payload
this agent produces.

The Dispatcher listens on two sockets (in, out) and spawns the Worker with
both paths as positional arguments; the Worker dials both once, on
startup, and NewDuplexChannel composes the pair into one Channel for each
side. Send is a single flushable write; Receive blocks until either a
complete frame is read or the connection is closed. A malformed frame
(one whose declared body length cannot be satisfied, or that arrives
mid-write) is treated as fatal to the channel: callers must not attempt to
resynchronize.
*/
package ipc
