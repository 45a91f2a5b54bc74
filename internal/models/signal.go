// Package models defines the core trading domain types shared across the bot.
package models

import (
	"fmt"
	"time"
)

// Signal actions accepted from the webhook.
const (
	// ActionEntry opens a new hedged spread.
	ActionEntry = "entry"
	// ActionExit closes an existing spread.
	ActionExit = "exit"
)

// Option contract types as used on the NFO segment.
const (
	// OptionTypeCE is a call option.
	OptionTypeCE = "CE"
	// OptionTypePE is a put option.
	OptionTypePE = "PE"
)

// Lot bounds accepted from inbound signals.
const (
	MinSignalLots = 1
	MaxSignalLots = 100
)

// StrikeStep is the NIFTY strike interval.
const StrikeStep = 50

// ExitSignalID is the wire value TradingView exit alerts send in place of a
// strategy slot. Such signals identify the position by strike and option type.
const ExitSignalID = "EXIT"

// Signal is one inbound trading event from TradingView. It is immutable once
// parsed; a successful entry supersedes it with a Position.
type Signal struct {
	Signal       string    `json:"signal"`      // "S1".."S8" (or "EXIT" on the wire)
	Action       string    `json:"action"`      // entry | exit
	Strike       int       `json:"strike"`      // multiple of 50
	OptionType   string    `json:"option_type"` // CE | PE
	Lots         int       `json:"lots"`
	Premium      float64   `json:"premium,omitempty"`
	HedgePremium float64   `json:"hedge_premium,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// validSignalIDs are the strategy slots the bot recognizes.
var validSignalIDs = map[string]bool{
	"S1": true, "S2": true, "S3": true, "S4": true,
	"S5": true, "S6": true, "S7": true, "S8": true,
}

// ValidSignalID reports whether id names a known strategy slot.
func ValidSignalID(id string) bool {
	return validSignalIDs[id]
}

// Validate checks the signal fields before any order-affecting work happens.
// Failures here are rejected without side effects.
func (s *Signal) Validate() error {
	if s.Action != ActionEntry && s.Action != ActionExit {
		return fmt.Errorf("invalid action %q (expected %q or %q)", s.Action, ActionEntry, ActionExit)
	}
	if !ValidSignalID(s.Signal) {
		if s.Signal != ExitSignalID || s.Action != ActionExit {
			return fmt.Errorf("unknown signal %q (expected S1-S8, or EXIT with an exit action)", s.Signal)
		}
	}
	if s.OptionType != OptionTypeCE && s.OptionType != OptionTypePE {
		return fmt.Errorf("invalid option type %q (expected CE or PE)", s.OptionType)
	}
	if s.Strike <= 0 || s.Strike%StrikeStep != 0 {
		return fmt.Errorf("invalid strike %d (must be a positive multiple of %d)", s.Strike, StrikeStep)
	}
	if s.Lots < MinSignalLots || s.Lots > MaxSignalLots {
		return fmt.Errorf("invalid lots %d (must be %d-%d)", s.Lots, MinSignalLots, MaxSignalLots)
	}
	return nil
}
