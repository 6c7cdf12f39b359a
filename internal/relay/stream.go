package relay

// StreamContext identifies the call a relay is serving. Fields are learned
// piecemeal from the telephony leg and only ever filled in.
type StreamContext struct {
	CallSID      string
	StreamSID    string
	RecordingSID string
	Attempt      int // 0 when unknown
}

// merge fills the unset fields of c from u. Set strings are kept, empty
// inputs are ignored and Attempt never decreases.
func (c *StreamContext) merge(u StreamContext) {
	if c.CallSID == "" {
		c.CallSID = u.CallSID
	}
	if c.StreamSID == "" {
		c.StreamSID = u.StreamSID
	}
	if c.RecordingSID == "" {
		c.RecordingSID = u.RecordingSID
	}
	if u.Attempt > c.Attempt {
		c.Attempt = u.Attempt
	}
}
