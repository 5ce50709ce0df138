package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid dotted keys in the config file, matching the
// toml tags on Config and its section structs.
var knownKeys = map[string]bool{
	"scheduler.tick_interval_minutes": true,
	"scheduler.shutdown_timeout":      true,

	"queue.redis_addr":     true,
	"queue.redis_password": true,
	"queue.redis_db":       true,
	"queue.gps_key":        true,
	"queue.mobile_key":     true,

	"blob.bucket":           true,
	"blob.gps_prefix":       true,
	"blob.mobile_prefix":    true,
	"blob.credentials_file": true,
	"blob.simulate_dir":     true,

	"warehouse.project":          true,
	"warehouse.dataset":          true,
	"warehouse.region":           true,
	"warehouse.gps_table":        true,
	"warehouse.mobile_table":     true,
	"warehouse.job_timeout_ms":   true,
	"warehouse.max_bad_records":  true,
	"warehouse.priority":         true,
	"warehouse.credentials_file": true,
	"warehouse.simulate_dir":     true,

	"backup.root":                       true,
	"backup.max_retries":                true,
	"backup.quarantine_retention_hours": true,

	"ledger.path": true,

	"metrics.listen_addr": true,

	"logging.log_level":  true,
	"logging.log_format": true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()

		suggestion := closestMatch(keyStr, knownKeysList)
		if suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q — did you mean %q?", keyStr, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", keyStr))
		}
	}

	return errors.Join(errs...)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
// Dotted keys compare on the leaf when the section matches.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(comparePart(unknown, k), leaf(k))
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// comparePart returns the part of unknown to compare against k: the leaf
// when both share a section prefix, the whole key otherwise.
func comparePart(unknown, k string) string {
	us, ul, uOK := strings.Cut(unknown, ".")
	ks, _, kOK := strings.Cut(k, ".")

	if uOK && kOK && us == ks {
		return ul
	}

	return unknown
}

// leaf returns the last dotted segment of a known key.
func leaf(k string) string {
	if i := strings.LastIndex(k, "."); i >= 0 {
		return k[i+1:]
	}

	return k
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 0; i < len(a); i++ {
		curr[0] = i + 1

		for j := 0; j < len(b); j++ {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
