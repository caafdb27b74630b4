package overlay

import "errors"

// Error kinds. Each is a sentinel so callers can branch with errors.Is;
// Timeout and FileReceive additionally carry context via wrapping
// (fmt.Errorf("...: %w", ErrTimeout)).
var (
	// ErrDecodeError means an inbound frame failed to decode as an envelope.
	// The dispatcher closes the offending neighbor when this occurs.
	ErrDecodeError = errors.New("overlay: envelope decode error")

	// ErrNoConnection means send_command had no neighbor to target: either
	// the neighbor set is empty, or an explicitly requested neighbor isn't
	// connected.
	ErrNoConnection = errors.New("overlay: no connection")

	// ErrTimeout means a synchronous send_command exceeded its wait budget.
	// When the request had a single target and was not a BROADCAST or
	// FILE_DELETE, that neighbor is removed before this error surfaces.
	ErrTimeout = errors.New("overlay: timeout")

	// ErrFileReceive covers every way a file fetch can come up empty: no
	// peer had the blob, the relay chain returned null, or the returned
	// bytes didn't hash to the requested digest.
	ErrFileReceive = errors.New("overlay: file receive error")

	// ErrSignatureInvalid means an administrative FILE_DELETE's signature
	// didn't verify. Handlers drop such a claim silently rather than
	// surfacing this error; it is still returned by the verification helper
	// itself for callers that need the reason.
	ErrSignatureInvalid = errors.New("overlay: signature invalid")

	// ErrBlobTooLarge is returned by ShareFile when the payload exceeds the
	// transport's MaxReceiveSize+1000 budget.
	ErrBlobTooLarge = errors.New("overlay: blob exceeds maximum size")

	// ErrWaitTooShort is returned by SendCommand when wait < 1 second.
	ErrWaitTooShort = errors.New("overlay: wait must be at least one second")
)
