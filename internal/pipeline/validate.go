package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Rejection reasons, used as metric label values.
const (
	RejectMalformed      = "malformed_json"
	RejectMissingID      = "missing_identifier"
	RejectLatOutOfRange  = "lat_out_of_range"
	RejectLngOutOfRange  = "lng_out_of_range"
	RejectBadTimestamp   = "bad_timestamp"
	RejectUnknownFamily  = "unknown_family"
	RejectMissingContact = "missing_contact"
)

// RejectionError reports why a single record was dropped. Rejections never
// fail the batch; the drainer counts them and moves on.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return "pipeline: record rejected: " + e.Reason
	}

	return fmt.Sprintf("pipeline: record rejected: %s (%s)", e.Reason, e.Detail)
}

// IsRejection reports whether err is a per-record validation rejection and
// returns its reason.
func IsRejection(err error) (string, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}

	return "", false
}

// Validate shape-checks and normalizes one record. Pure function, no I/O;
// used on both the drain path and the backup-replay path. The returned
// record has its timestamp normalized to UTC RFC3339 and, via the custom
// JSON encoding, sheds unknown top-level fields.
func Validate(r Record) (Record, error) {
	switch r.Family {
	case FamilyGPS:
		if strings.TrimSpace(r.DeviceID) == "" {
			return Record{}, &RejectionError{Reason: RejectMissingID, Detail: "deviceId empty"}
		}
	case FamilyMobile:
		if strings.TrimSpace(r.UserID) == "" {
			return Record{}, &RejectionError{Reason: RejectMissingID, Detail: "userId empty"}
		}

		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Email) == "" {
			return Record{}, &RejectionError{Reason: RejectMissingContact, Detail: "name or email empty"}
		}
	default:
		return Record{}, &RejectionError{Reason: RejectUnknownFamily, Detail: string(r.Family)}
	}

	if r.Lat < -90 || r.Lat > 90 {
		return Record{}, &RejectionError{Reason: RejectLatOutOfRange, Detail: fmt.Sprintf("lat=%v", r.Lat)}
	}

	if r.Lng < -180 || r.Lng > 180 {
		return Record{}, &RejectionError{Reason: RejectLngOutOfRange, Detail: fmt.Sprintf("lng=%v", r.Lng)}
	}

	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return Record{}, &RejectionError{Reason: RejectBadTimestamp, Detail: r.Timestamp}
	}

	r.Timestamp = ts.UTC().Format(time.RFC3339)

	return r, nil
}

// ParseAndValidate decodes a raw queue entry and validates it in one step.
// A JSON decode failure is reported as a malformed-record rejection.
func ParseAndValidate(family Family, entry string) (Record, error) {
	r, err := ParseRecord(family, entry)
	if err != nil {
		return Record{}, &RejectionError{Reason: RejectMalformed, Detail: err.Error()}
	}

	return Validate(r)
}
