package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// ObjectRef identifies one newly created source object.
type ObjectRef struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	EventName string    `json:"event_name"`
	Sequencer string    `json:"sequencer,omitempty"`
	EventTime time.Time `json:"event_time"`
}

var ErrEmptyEvent = errors.New("event body is empty")

// RecordError reports a notification record that could not be decoded,
// usually because its object key is not valid URL encoding.
type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// Notification is a decoded bucket notification. Records that failed to
// decode are left out of Event and listed in Rejected.
type Notification struct {
	Event    events.S3Event
	Rejected []RecordError
}

// ParseS3Event decodes an S3 or MinIO bucket notification body one record at
// a time, so a single undecodable record does not drop the rest.
func ParseS3Event(body []byte) (Notification, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return Notification{}, ErrEmptyEvent
	}

	var raw struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Notification{}, fmt.Errorf("decode bucket notification: %w", err)
	}

	n := Notification{Event: events.S3Event{Records: make([]events.S3EventRecord, 0, len(raw.Records))}}
	for i, msg := range raw.Records {
		var record events.S3EventRecord
		if err := json.Unmarshal(msg, &record); err != nil {
			n.Rejected = append(n.Rejected, RecordError{Index: i, Err: err})
			continue
		}
		n.Event.Records = append(n.Event.Records, record)
	}
	return n, nil
}

// IsObjectCreated matches AWS ("ObjectCreated:Put") and MinIO
// ("s3:ObjectCreated:Put") event names.
func IsObjectCreated(eventName string) bool {
	return strings.HasPrefix(strings.TrimPrefix(eventName, "s3:"), "ObjectCreated:")
}

// ObjectRefsFromEvent returns one ObjectRef per ObjectCreated record. Records
// for outputBucket are dropped so publishing a result never triggers another
// run. Records must come from ParseS3Event or the Lambda runtime so their
// keys are already URL-decoded.
func ObjectRefsFromEvent(event events.S3Event, outputBucket string) ([]ObjectRef, error) {
	refs := make([]ObjectRef, 0, len(event.Records))
	for i, record := range event.Records {
		if !IsObjectCreated(record.EventName) {
			continue
		}

		bucket := strings.TrimSpace(record.S3.Bucket.Name)
		if bucket == "" {
			return nil, fmt.Errorf("record %d: bucket name is required", i)
		}
		if outputBucket != "" && bucket == outputBucket {
			continue
		}

		// aws-lambda-go query-unescapes the key while decoding the record.
		key := record.S3.Object.URLDecodedKey
		if key == "" {
			return nil, fmt.Errorf("record %d: object key is required", i)
		}

		refs = append(refs, ObjectRef{
			Bucket:    bucket,
			Key:       key,
			Size:      record.S3.Object.Size,
			EventName: record.EventName,
			Sequencer: record.S3.Object.Sequencer,
			EventTime: record.EventTime,
		})
	}
	return refs, nil
}
