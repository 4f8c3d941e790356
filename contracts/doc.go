// Package contracts defines the message envelopes exchanged through rabbitkit.
//
// Two envelope shapes exist:
//   - Message: any outbound payload; its Go type names the target queue
//     through QueueName, which must be callable on the zero value.
//   - Response: an inbound reply to a request. Each reply is either an
//     acknowledgement (interim progress), a successful result, or an
//     exception. Acknowledgements never end a request; the other two do.
//
// Concrete message types embed BaseMessage or BaseResponse and add their
// payload fields.
package contracts
