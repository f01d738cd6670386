// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package epochtime implements subscription epoch timekeeping.
package epochtime

import "time"

const (
	// Period is the length of a subscription epoch.
	Period = 30 * 24 * time.Hour

	// GracePeriod is how long after an epoch ends late proofs are still
	// accepted before a distribution may be posted.
	GracePeriod = 24 * time.Hour

	// GracePeriodSecs is GracePeriod in whole seconds.
	GracePeriodSecs = uint64(GracePeriod / time.Second)
)

// Epoch is the start of epoch 0, in UTC.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Now returns the current epoch, the time since it started and the time
// till the next one.
func Now() (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Now())
}

// FromUnix is Now relative to a Unix time in seconds.
func FromUnix(t int64) (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Unix(t, 0))
}

// ExpiresAt returns the expiry of a subscription created at createdAt,
// both in Unix seconds.
func ExpiresAt(createdAt uint64) uint64 {
	return createdAt + uint64(Period/time.Second)
}

// ClaimableAt returns the first Unix second at which a distribution for a
// subscription expiring at expiresAt may be posted.
func ClaimableAt(expiresAt uint64) uint64 {
	return expiresAt + GracePeriodSecs
}

func getEpoch(t time.Time) (current uint64, elapsed, till time.Duration) {
	fromEpoch := t.Sub(Epoch)
	if fromEpoch < 0 {
		return 0, 0, -fromEpoch
	}

	current = uint64(fromEpoch / Period)
	base := Epoch.Add(time.Duration(current) * Period)
	elapsed = t.Sub(base)
	till = base.Add(Period).Sub(t)
	return
}
