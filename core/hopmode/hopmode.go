// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package hopmode maps requested relay counts and subscription tiers.
package hopmode

import (
	"fmt"
	"strings"
)

// HopMode is the number of relays placed in front of the exit.
type HopMode uint8

const (
	Direct HopMode = iota
	Single
	Double
	Triple
	Quad
)

// MaxHopMode is the longest supported circuit.
const MaxHopMode = Quad

// MinRelays returns the number of relays the mode requires.
func (m HopMode) MinRelays() int {
	return int(m)
}

// String implements fmt.Stringer.
func (m HopMode) String() string {
	switch m {
	case Direct:
		return "Direct"
	case Single:
		return "Single"
	case Double:
		return "Double"
	case Triple:
		return "Triple"
	case Quad:
		return "Quad"
	default:
		return fmt.Sprintf("HopMode(%d)", uint8(m))
	}
}

// FromCount returns the mode for n relays, saturating at Quad.
func FromCount(n int) HopMode {
	switch {
	case n <= 0:
		return Direct
	case n >= int(MaxHopMode):
		return MaxHopMode
	default:
		return HopMode(n)
	}
}

// Parse accepts a mode name (case insensitive).
func Parse(s string) (HopMode, error) {
	for m := Direct; m <= MaxHopMode; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return Direct, fmt.Errorf("hopmode: unknown hop mode '%v'", s)
}

// Tier is a paid subscription level.
type Tier uint8

const (
	Basic Tier = iota
	Standard
	Premium
	Ultra
)

// MaxHops returns the longest circuit the tier pays for.
func (t Tier) MaxHops() HopMode {
	switch t {
	case Basic:
		return Single
	case Standard:
		return Double
	case Premium:
		return Triple
	case Ultra:
		return Quad
	default:
		return Direct
	}
}

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case Basic:
		return "Basic"
	case Standard:
		return "Standard"
	case Premium:
		return "Premium"
	case Ultra:
		return "Ultra"
	default:
		return fmt.Sprintf("Tier(%d)", uint8(t))
	}
}

// ParseTier accepts a tier name (case insensitive).
func ParseTier(s string) (Tier, error) {
	for t := Basic; t <= Ultra; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return Basic, fmt.Errorf("hopmode: unknown tier '%v'", s)
}

// Clamp limits the requested mode to what the subscription allows. A nil
// tier is the free tier and always yields Direct.
func Clamp(requested HopMode, tier *Tier) HopMode {
	if tier == nil {
		return Direct
	}
	if limit := tier.MaxHops(); requested > limit {
		return limit
	}
	return requested
}

// Allows reports whether a circuit of totalHops relays is within tier.
func Allows(tier *Tier, totalHops uint8) bool {
	return HopMode(totalHops) == Clamp(HopMode(totalHops), tier)
}
