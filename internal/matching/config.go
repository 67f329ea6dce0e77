package matching

import "time"

// Config holds the tunables of the shake matcher.
type Config struct {
	ProximityMeters float64       // max great-circle distance between a pair
	TimeWindow      time.Duration // max session age to be considered fresh
	SessionTTL      time.Duration // session validity after creation
	ClaimTTL        time.Duration // how long a pair stays reserved while its meeting is created
	SettleTimeout   time.Duration // how long a caller waits for a concurrent peer to finish pairing
	PointsPerMatch  int           // points credited to each user of a match
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProximityMeters: 100,
		TimeWindow:      15 * time.Second,
		SessionTTL:      15 * time.Second,
		ClaimTTL:        10 * time.Second,
		SettleTimeout:   3 * time.Second,
		PointsPerMatch:  50,
	}
}
