// Package dsbuildpb pins the wire schema written out below (no .proto file
// is shipped) to a stable Go API. Generating real protoc output isn't possible in this
// environment, so these types are hand-written to the same field layout a
// generated client would expose: swapping in generated code later is a
// non-breaking change, since callers only ever see the struct shape, not
// how it got built.
//
// service Transport {
//   rpc SendMessage(SendMessageRequest) returns (SendMessageResponse);
// }
// message SendMessageRequest {
//   string sender_host = 1;
//   uint32 sender_port = 2;
//   string sender_process = 3;
//   string receiver_host = 4;
//   uint32 receiver_port = 5;
//   string receiver_process = 6;
//   string message_kind = 7;
//   bytes message_data = 8;
//   bool has_ack = 9;
//   bool has_tag = 10;
//   uint64 tag = 11;
//   uint64 correlation_id = 12;
// }
// message SendMessageResponse { string status = 1; }
package dsbuildpb

// SendMessageRequest is one hop of a process-to-process send: sender and
// receiver addresses flattened (no nested message, to keep marshaling
// trivial), the message envelope, and the optional tag/correlation-id
// metadata the reliable-send and rendezvous protocols need on the wire.
type SendMessageRequest struct {
	SenderHost      string
	SenderPort      uint32
	SenderProcess   string
	ReceiverHost    string
	ReceiverPort    uint32
	ReceiverProcess string
	MessageKind     string
	MessageData     []byte
	HasAck          bool
	HasTag          bool
	Tag             uint64
	CorrelationID   uint64
}

// SendMessageResponse is the RPC reply. Status is "success" on
// acceptance; the transport layer never needs a richer response
// vocabulary, since ack-vs-timeout-vs-not-sent is entirely a sender-side
// concern resolved by the RPC either completing or erroring.
type SendMessageResponse struct {
	Status string
}
