/*
Package grpcsource is the reference control-plane transport: a gRPC service
secured with mutual TLS (pkg/security), carrying google.golang.org/protobuf's
structpb.Struct as its single wire message.

There is no protoc-generated code here. structpb.Struct is itself a
pregenerated protobuf message shipped by the protobuf module, so the
service can be described with a hand-written grpc.ServiceDesc (service.go)
instead of running the protobuf compiler. Every RPC therefore still travels
as real protobuf wire bytes through grpc's standard codec; only the schema
is dynamic rather than statically typed, which suits a control-plane
message set (job requests, timeline records, variable maps) that is already
defined once, authoritatively, as the pkg/types Go structs.
*/
package grpcsource
