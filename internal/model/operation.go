package model

// Operation tags a notification with the booking change that produced it.
// The set is open on the wire: consumers must tolerate tags they do not
// know, so Operation is a string type rather than a closed enum.
type Operation string

const (
	OperationRegistered    Operation = "registered"
	OperationQueueEnrolled Operation = "queue_enrolled"
	OperationUpdated       Operation = "updated"
	OperationConfirmed     Operation = "confirmed"
	OperationCanceled      Operation = "canceled"
)

// KnownOperations lists every operation this build emits.  Routing tables
// are checked against it at startup.
var KnownOperations = [...]Operation{
	OperationRegistered,
	OperationQueueEnrolled,
	OperationUpdated,
	OperationConfirmed,
	OperationCanceled,
}

// Known reports whether op is emitted by this build.
func (op Operation) Known() bool {
	for _, k := range KnownOperations {
		if k == op {
			return true
		}
	}
	return false
}

func (op Operation) String() string { return string(op) }
