// Package pipeline implements the drain-and-ship core: validation, atomic
// queue drain, blob upload + warehouse load per batch, durable backup of
// failed batches, cross-cycle replay, and the per-tick cycle coordinator.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Family identifies one of the two record kinds, each with its own queue
// key, blob prefix, and warehouse table.
type Family string

const (
	FamilyGPS    Family = "gps"
	FamilyMobile Family = "mobile"
)

// Families returns both families in a fixed order.
func Families() []Family {
	return []Family{FamilyGPS, FamilyMobile}
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return f == FamilyGPS || f == FamilyMobile
}

// metadataKeys are the optional per-record fields the warehouse schema
// accepts for both families. Normalization keeps these and strips every
// other unknown top-level field to minimize load-job errors.
var metadataKeys = map[string]bool{
	"speed":    true,
	"heading":  true,
	"altitude": true,
	"accuracy": true,
	"battery":  true,
}

// Record is one location event. Identity fields are family-dependent: GPS
// records carry DeviceID, mobile records carry UserID, Name and Email.
// Meta holds the optional open metadata fields that survive normalization.
type Record struct {
	Family Family `json:"-"`

	DeviceID string `json:"deviceId,omitempty"`

	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`

	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp string  `json:"timestamp"`

	Meta map[string]any `json:"-"`
}

// ParseRecord decodes one queue entry into a Record of the given family.
// Unknown top-level fields land in Meta (filtered later by normalization);
// a syntactically invalid entry is a parse error, handled by the caller as
// a validation rejection.
func ParseRecord(family Family, entry string) (Record, error) {
	var raw map[string]json.RawMessage

	dec := json.NewDecoder(bytes.NewReader([]byte(entry)))
	dec.UseNumber()

	if err := dec.Decode(&raw); err != nil {
		return Record{}, fmt.Errorf("pipeline: decoding %s entry: %w", family, err)
	}

	r := Record{Family: family}

	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}

		delete(raw, key)

		return json.Unmarshal(v, dst)
	}

	for key, dst := range map[string]any{
		"deviceId":  &r.DeviceID,
		"userId":    &r.UserID,
		"name":      &r.Name,
		"email":     &r.Email,
		"lat":       &r.Lat,
		"lng":       &r.Lng,
		"timestamp": &r.Timestamp,
	} {
		if err := take(key, dst); err != nil {
			return Record{}, fmt.Errorf("pipeline: decoding %s field %s: %w", family, key, err)
		}
	}

	if len(raw) > 0 {
		r.Meta = make(map[string]any, len(raw))

		for key, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return Record{}, fmt.Errorf("pipeline: decoding %s field %s: %w", family, key, err)
			}

			r.Meta[key] = val
		}
	}

	return r, nil
}

// MarshalJSON emits the normalized wire shape: family identity fields,
// coordinates, timestamp, and only the metadata keys the warehouse schema
// accepts. Keys are emitted in json.Marshal's sorted-map order, which keeps
// the NDJSON output deterministic.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 8)

	switch r.Family {
	case FamilyGPS:
		out["deviceId"] = r.DeviceID
	case FamilyMobile:
		out["userId"] = r.UserID
		out["name"] = r.Name
		out["email"] = r.Email
	}

	out["lat"] = r.Lat
	out["lng"] = r.Lng
	out["timestamp"] = r.Timestamp

	for key, v := range r.Meta {
		if metadataKeys[key] {
			out[key] = v
		}
	}

	return json.Marshal(out)
}

// EncodeNDJSON serializes records one JSON object per line, '\n' separated,
// with a trailing newline. Line order preserves record order.
func EncodeNDJSON(records []Record) ([]byte, error) {
	var buf bytes.Buffer

	for i := range records {
		line, err := json.Marshal(records[i])
		if err != nil {
			return nil, fmt.Errorf("pipeline: encoding record %d: %w", i, err)
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

// Batch is the output of one atomic drain: the accepted records of one
// family, in queue order, plus drain bookkeeping.
type Batch struct {
	Family       Family
	Records      []Record
	Rejected     int
	DrainedAt    time.Time
	ProcessingID string
}

// Empty reports whether the batch has nothing to ship.
func (b *Batch) Empty() bool {
	return len(b.Records) == 0
}
