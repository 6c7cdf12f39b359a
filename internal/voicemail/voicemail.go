// Package voicemail defines the records persisted for transcribed voicemail
// recordings and the rules deciding when a transcript may be texted to the
// caller.
//
// A recording can be transcribed several times (one attempt per
// re-recording). Each attempt is stored under its own [Key]; only the
// highest attempt for a (call, recording) pair is final.
package voicemail

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no record exists for a recording.
var ErrNotFound = errors.New("voicemail: record not found")

// Key identifies one transcription attempt of one recording.
type Key struct {
	CallSID      string
	RecordingSID string
	Attempt      int
}

// Valid reports whether every component of the key is set.
func (k Key) Valid() bool {
	return k.CallSID != "" && k.RecordingSID != "" && k.Attempt > 0
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.CallSID, k.RecordingSID, k.Attempt)
}

// BlobPath returns the object key of the transcript document for a recording.
// Attempts share one document; the latest write wins.
func BlobPath(callSID, recordingSID string) string {
	return fmt.Sprintf("voicemails/%s/%s.json", callSID, recordingSID)
}

// Transcript is the input to a store write.
type Transcript struct {
	Key
	Text       string
	Confidence *float64

	// ToNumber and FromNumber are the dialled and calling numbers when known.
	// Empty values keep whatever an earlier attempt recorded.
	ToNumber   string
	FromNumber string
}

// Document is the JSON body written to blob storage.
type Document struct {
	CallSID      string    `json:"callSid"`
	RecordingSID string    `json:"recordingSid"`
	Attempt      int       `json:"attempt"`
	Transcript   string    `json:"transcript"`
	Confidence   *float64  `json:"confidence"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewDocument builds the blob body for t stamped with now.
func NewDocument(t Transcript, now time.Time) Document {
	return Document{
		CallSID:      t.CallSID,
		RecordingSID: t.RecordingSID,
		Attempt:      t.Attempt,
		Transcript:   t.Text,
		Confidence:   t.Confidence,
		UpdatedAt:    now.UTC(),
	}
}

// Record is the metadata row kept per attempt.
type Record struct {
	Key
	TranscriptURL string
	Confidence    *float64
	IsFinal       bool

	SMSRequested   bool
	SMSQueued      bool
	SMSSent        bool
	SMSDestination string
	SMSSender      string
	SMSRetryCount  int

	ToNumber   string
	FromNumber string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Notification is an SMS job: text the transcript at TranscriptURL to To.
// The JSON form is the queue payload.
type Notification struct {
	CallSID       string `json:"callSid"`
	RecordingSID  string `json:"recordingSid"`
	Attempt       int    `json:"attempt"`
	To            string `json:"to"`
	From          string `json:"from"`
	TranscriptURL string `json:"transcriptBlobUrl"`
	RetryCount    int    `json:"retryCount"`
}

// Key returns the attempt the notification belongs to.
func (n Notification) Key() Key {
	return Key{CallSID: n.CallSID, RecordingSID: n.RecordingSID, Attempt: n.Attempt}
}

// Candidate returns the SMS job for r, or nil when r is not eligible. A
// record is eligible when it is final, an SMS was requested, none was sent or
// queued yet, and destination, sender and transcript location are all known.
// The explicit SMS destination and sender take precedence over the call's
// numbers.
func (r Record) Candidate() *Notification {
	if !r.IsFinal || !r.SMSRequested || r.SMSSent || r.SMSQueued {
		return nil
	}
	to := firstNonEmpty(r.SMSDestination, r.ToNumber)
	from := firstNonEmpty(r.SMSSender, r.FromNumber)
	if to == "" || from == "" || r.TranscriptURL == "" {
		return nil
	}
	return &Notification{
		CallSID:       r.CallSID,
		RecordingSID:  r.RecordingSID,
		Attempt:       r.Attempt,
		To:            to,
		From:          from,
		TranscriptURL: r.TranscriptURL,
		RetryCount:    r.SMSRetryCount,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
