package reconcile

import "time"

// Disposition is what happens to an event that vanished from the feed.
type Disposition int

const (
	// Deactivate keeps the row for audit and clears its active flag.
	Deactivate Disposition = iota
	// Purge hard-deletes the row with its structure and entries.
	Purge
)

// purgeHorizon is how far in the future an event must start before a
// vanished event may be hard-deleted.
const purgeHorizon = 24 * time.Hour

func (d Disposition) String() string {
	switch d {
	case Deactivate:
		return "deactivate"
	case Purge:
		return "purge"
	default:
		return "unknown"
	}
}

// Classify decides the fate of a vanished event. The remote is authoritative
// for events that have not started yet, so only those starting more than a
// day after now are purged.
func Classify(dtStart, now time.Time) Disposition {
	if dtStart.After(now.Add(purgeHorizon)) {
		return Purge
	}

	return Deactivate
}
