/*
Package controlplane defines the opaque interface a Listener uses to talk
to whatever serves job requests and accepts timeline uploads. Source is
deliberately narrow and transport-agnostic: the Listener's polling loop,
retry/backoff behavior, and message routing (pkg/listener) depend only on
this interface, never on the concrete transport.

pkg/controlplane/grpcsource provides the one concrete implementation this
repository ships: a gRPC transport secured with mutual TLS via pkg/security,
using google.golang.org/protobuf's structpb.Struct as the wire message so
the service can be described with a hand-written grpc.ServiceDesc instead
of protoc-generated code.
*/
package controlplane
