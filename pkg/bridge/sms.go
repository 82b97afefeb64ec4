package bridge

// SMS transport boundary. The platform messaging facility is an external
// collaborator: the bridge hands it body parts with correlation IDs and gets
// asynchronous per-part sent/delivered callbacks in return.

// Single-segment and multipart payload limits (7-bit GSM alphabet sizes; the
// platform re-encodes as needed, these just decide where we split).
const (
	singleSegmentLimit = 160
	multipartChunkSize = 153
)

// SMSResultCode is the platform's outcome for one dispatched part.
type SMSResultCode int

const (
	SMSResultOK SMSResultCode = iota
	SMSResultNoService
	SMSResultRadioOff
	SMSResultRateLimited
	SMSResultRestricted
	SMSResultGenericFailure
)

// Reason renders the code as the human-readable failure reason stored on the
// message.
func (c SMSResultCode) Reason() string {
	switch c {
	case SMSResultOK:
		return ""
	case SMSResultNoService:
		return "No cellular service"
	case SMSResultRadioOff:
		return "Radio is off"
	case SMSResultRateLimited:
		return "Rate limited by carrier"
	case SMSResultRestricted:
		return "Destination not allowed"
	default:
		return "Send failed"
	}
}

// SMSPart is one transport segment of an outbound message, carrying the
// correlation identifiers echoed back in the part callbacks.
type SMSPart struct {
	MessageID int64
	Index     int
	Total     int
	Body      string
}

// SMSPartResult is the asynchronous outcome for one part. The platform
// adapter feeds these to Coordinator.HandleSentResult and
// Coordinator.HandleDeliveredResult.
type SMSPartResult struct {
	MessageID int64
	Index     int
	Total     int
	Code      SMSResultCode
}

// SMSSender dispatches body parts to the platform radio. Dispatch errors are
// synchronous transport rejections; per-part outcomes arrive later through
// the result callbacks. Implementations must not invoke callbacks
// synchronously from SendParts.
type SMSSender interface {
	SendParts(dest string, parts []SMSPart) error
}

// splitBody segments a body the way the transport will: a single segment if
// it fits, otherwise multipart chunks. Rune-safe so multibyte characters are
// never split.
func splitBody(body string) []string {
	runes := []rune(body)
	if len(runes) <= singleSegmentLimit {
		return []string{body}
	}
	var parts []string
	for len(runes) > 0 {
		n := multipartChunkSize
		if n > len(runes) {
			n = len(runes)
		}
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}
