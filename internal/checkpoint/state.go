package checkpoint

import (
	"itchclaim/pkg/urlset"
)

// State is everything a run accumulates. Owned is shared with the session so
// a claim made through the session is visible here without a reload.
//
// The sets keep these invariants, every mutation goes through the methods
// below to uphold them:
//   - owned and ignored are disjoint
//   - active and ignored are disjoint
//   - nothing owned is active
type State struct {
	Owned          urlset.Set
	Ignored        urlset.Set
	Active         urlset.Set
	Profiles       urlset.Set
	ProfilesActive urlset.Set
	// ProfilesChecked only lives for one run, every run rechecks profiles.
	ProfilesChecked urlset.Set
	// Cursor is the next sale id to scan.
	Cursor int64
}

func NewState(owned urlset.Set) *State {
	if owned == nil {
		owned = urlset.New()
	}
	return &State{
		Owned:           owned,
		Ignored:         urlset.New(),
		Active:          urlset.New(),
		Profiles:        urlset.New(),
		ProfilesActive:  urlset.New(),
		ProfilesChecked: urlset.New(),
	}
}

// Known reports whether the item was already owned, ignored or found active,
// scrapers skip these silently.
func (s *State) Known(item string) bool {
	return s.Owned.Has(item) || s.Active.Has(item) || s.Ignored.Has(item)
}

func (s *State) MarkOwned(item string) {
	s.Owned.Add(item)
	s.Active.Remove(item)
	s.Ignored.Remove(item)
}

// Ignore records an item as never claimable. Owned items cannot be ignored,
// the return value is false when nothing changed.
func (s *State) Ignore(item string) bool {
	if item == "" || s.Owned.Has(item) {
		return false
	}
	s.Active.Remove(item)
	s.Ignored.Add(item)
	return true
}

// MarkActive records an item as currently claimable.
func (s *State) MarkActive(item string) bool {
	if item == "" || s.Owned.Has(item) {
		return false
	}
	s.Ignored.Remove(item)
	s.Active.Add(item)
	return true
}

func (s *State) AddProfile(profile string) {
	s.Profiles.Add(profile)
}

func (s *State) MarkProfileActive(profile string) {
	s.Profiles.Add(profile)
	s.ProfilesActive.Add(profile)
}

// Normalize restores the invariants on sets that were loaded from disk, files
// edited by hand may break them. Active wins over ignored since it is the more
// recent observation.
func (s *State) Normalize() {
	for item := range s.Owned {
		s.Active.Remove(item)
		s.Ignored.Remove(item)
	}
	for item := range s.Active {
		s.Ignored.Remove(item)
	}
	for profile := range s.ProfilesActive {
		s.Profiles.Add(profile)
	}
}
