package contracts

import "time"

// LockDuration pairs the label shown to users with the on-chain seconds value.
type LockDuration struct {
	Label   string `json:"label"`
	Seconds uint64 `json:"seconds"`
}

func (d LockDuration) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

const daySeconds = 24 * 60 * 60

// lockDurations is the catalog the savings contract accepts. Months are 30 days.
var lockDurations = []LockDuration{
	{Label: "3 months", Seconds: 90 * daySeconds},
	{Label: "6 months", Seconds: 180 * daySeconds},
	{Label: "9 months", Seconds: 270 * daySeconds},
	{Label: "12 months", Seconds: 360 * daySeconds},
}

// LockDurations returns a copy of the catalog in ascending order.
func LockDurations() []LockDuration {
	out := make([]LockDuration, len(lockDurations))
	copy(out, lockDurations)
	return out
}

// LockDurationByLabel looks up a catalog entry by its label.
func LockDurationByLabel(label string) (LockDuration, bool) {
	for _, d := range lockDurations {
		if d.Label == label {
			return d, true
		}
	}
	return LockDuration{}, false
}

// IsCatalogDuration reports whether seconds is one of the catalog values.
func IsCatalogDuration(seconds uint64) bool {
	for _, d := range lockDurations {
		if d.Seconds == seconds {
			return true
		}
	}
	return false
}
