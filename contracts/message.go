package contracts

// Message is the base interface for all messages
type Message interface {
	// QueueName returns the queue messages of this type are routed to.
	// It is called on the zero value of the type and must not depend on
	// field values.
	QueueName() string
}

// Response is a reply received on a request/response exchange
type Response interface {
	Message
	Envelope() BaseResponse
}

// ResponseKind classifies a response by its flags
type ResponseKind int

const (
	// KindUnknown means no flag was set; this violates the protocol
	KindUnknown ResponseKind = iota
	// KindAcknowledgement is an interim, non-terminal progress reply
	KindAcknowledgement
	// KindSuccessful is a terminal reply carrying the result
	KindSuccessful
	// KindException is a terminal reply carrying a remote failure
	KindException
)

// String returns the kind name
func (k ResponseKind) String() string {
	switch k {
	case KindAcknowledgement:
		return "acknowledgement"
	case KindSuccessful:
		return "successful"
	case KindException:
		return "exception"
	default:
		return "unknown"
	}
}

// Terminal reports whether a response of this kind ends a request
func (k ResponseKind) Terminal() bool {
	return k == KindSuccessful || k == KindException
}

// QueueNameFor returns the queue name declared by message type T
func QueueNameFor[T Message]() string {
	var zero T
	return zero.QueueName()
}
