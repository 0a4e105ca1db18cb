package hostnet

// Errcode is the closed enumeration of error conditions the host boundary
// can report. Every operation of the System interface returns either Success
// or exactly one of these values; the set is fixed so that the errno mapping
// can be total over it (an unmapped code is a programming defect, not a
// runtime case).
type Errcode uint32

const (
	Success Errcode = iota
	Unknown
	AccessDenied
	NotSupported
	AddressFamilyNotSupported
	InvalidArgument
	InvalidState
	AlreadyConnected
	NotConnected
	ConcurrencyConflict
	WouldBlock
	InProgress
	Timeout
	OutOfMemory
	NewSocketLimit
	AddressInUse
	AddressNotBindable
	RemoteUnreachable
	ConnectionRefused
	ConnectionReset
	ConnectionAborted
	BrokenPipe
	DatagramTooLarge
	ProtocolNotSupported
	BadHandle
	NotSocket

	// numErrcodes bounds the enumeration; it is not a valid code. Tests use
	// it to iterate every member when checking mapping totality.
	numErrcodes
)

// NumErrcodes reports the number of values in the Errcode enumeration.
func NumErrcodes() int { return int(numErrcodes) }

func (e Errcode) String() string {
	if int(e) < len(errcodeNames) {
		return errcodeNames[e]
	}
	return "invalid"
}

var errcodeNames = [numErrcodes]string{
	Success:                   "success",
	Unknown:                   "unknown",
	AccessDenied:              "access-denied",
	NotSupported:              "not-supported",
	AddressFamilyNotSupported: "address-family-not-supported",
	InvalidArgument:           "invalid-argument",
	InvalidState:              "invalid-state",
	AlreadyConnected:          "already-connected",
	NotConnected:              "not-connected",
	ConcurrencyConflict:       "concurrency-conflict",
	WouldBlock:                "would-block",
	InProgress:                "in-progress",
	Timeout:                   "timeout",
	OutOfMemory:               "out-of-memory",
	NewSocketLimit:            "new-socket-limit",
	AddressInUse:              "address-in-use",
	AddressNotBindable:        "address-not-bindable",
	RemoteUnreachable:         "remote-unreachable",
	ConnectionRefused:         "connection-refused",
	ConnectionReset:           "connection-reset",
	ConnectionAborted:         "connection-aborted",
	BrokenPipe:                "broken-pipe",
	DatagramTooLarge:          "datagram-too-large",
	ProtocolNotSupported:      "protocol-not-supported",
	BadHandle:                 "bad-handle",
	NotSocket:                 "not-socket",
}
