package auth

import "time"

// lockoutDuration computes the exponential-backoff lockout window for
// a given consecutive incorrect attempt count: zero below the
// threshold, then base × 2^(attempts − threshold)
func lockoutDuration(attempts int, ms MachineState) time.Duration {
	threshold := ms.NumIncorrectPinAttemptsAllowedBeforeCardLockout
	if threshold <= 0 || attempts < threshold {
		return 0
	}
	base := time.Duration(ms.StartingCardLockoutDurationSeconds) * time.Second
	return base << uint(attempts-threshold)
}

// lockoutEnd computes the instant PIN checks become acceptable again.
// Zero if the attempt count demands no lockout.
func lockoutEnd(from time.Time, attempts int, ms MachineState) time.Time {
	d := lockoutDuration(attempts, ms)
	if d == 0 {
		return time.Time{}
	}
	return from.Add(d)
}

// isLockedOut reports whether now is inside a lockout window
func isLockedOut(now, until time.Time) bool {
	return !until.IsZero() && now.Before(until)
}
