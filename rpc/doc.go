/*
Package rpc provides the gRPC command service, its server and a client.

The service has a single unary method, taskgate.TaskService/RunCommand, described in taskgate.proto. Messages are plain Go structs carried with a JSON codec registered under the "json" content-subtype, so no generated protobuf code is involved; any gRPC client that speaks application/grpc+json can call it.

A command that runs and exits nonzero is a successful call: the exit code, stdout and stderr are all in the CommandResponse. When the command never ran (it could not be started, timed out, or the handler failed), the call fails with a gRPC status and the CommandResponse with ReturnCode -1 is also sent, in the "taskgate-response-bin" trailer, because gRPC does not deliver response messages alongside an error status. Client.RunCommand returns both in that case.
*/
package rpc
