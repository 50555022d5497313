package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section. Remote service
// subsections share serviceKeys.
var knownKeys = map[string][]string{
	"database": {"path"},
	"remote": {
		"token_url", "token_user", "token_password", "token_cache",
		"sso_api_key", "keep_event_uuid", "labs", "xle", "dp", "sso",
	},
	"network":  {"timeout", "requests_per_second", "user_agent"},
	"schedule": {"events", "contexts", "attendance", "policy"},
	"notify":   {"url", "min_backoff", "max_backoff"},
	"logging":  {"log_level", "log_file", "log_format", "log_retention_days"},
}

var serviceKeys = []string{"token", "url"}

var remoteServices = []string{"dp", "labs", "sso", "xle"}

// knownSections is the sorted list of section names for suggestions.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		if err := unknownKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key, suggesting the closest
// known name at the level where the key went wrong.
func unknownKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		return suggest("unknown config section", section, knownSections)
	}

	if len(key) == 1 {
		return fmt.Errorf("config key %q must be a section", section)
	}

	field := key[1]

	if section == "remote" && slices.Contains(remoteServices, field) && len(key) > 2 {
		return suggest("unknown config key", strings.Join(key[:3], "."), prefixed("remote."+field+".", serviceKeys))
	}

	return suggest("unknown config key", section+"."+field, prefixed(section+".", keys))
}

func prefixed(prefix string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = prefix + k
	}

	slices.Sort(out)

	return out
}

func suggest(what, name string, known []string) error {
	if s := closestMatch(name, known); s != "" {
		return fmt.Errorf("%s %q: did you mean %q?", what, name, s)
	}

	return fmt.Errorf("%s %q", what, name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
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

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
