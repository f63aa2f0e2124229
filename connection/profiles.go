package connection

import (
	"github.com/use-go/onvif/v2"
)

// Profile is a media profile reduced to its name and token.
type Profile struct {
	Name  string
	Token string
	Raw   onvif.Profile
}

// ProfileSet is an immutable, ordered collection of profiles keyed by token.
// It is replaced wholesale on every connect.
type ProfileSet struct {
	profiles []Profile
	byToken  map[string]int
}

// NewProfileSet drops profiles without a token and keeps the first profile
// for each token, preserving device order.
func NewProfileSet(raw []onvif.Profile) *ProfileSet {
	ps := &ProfileSet{byToken: make(map[string]int, len(raw))}
	for _, p := range raw {
		if p.Token == "" {
			continue
		}
		if _, dup := ps.byToken[p.Token]; dup {
			continue
		}
		ps.byToken[p.Token] = len(ps.profiles)
		ps.profiles = append(ps.profiles, Profile{Name: p.Name, Token: p.Token, Raw: p})
	}
	return ps
}

// Resolve returns the token of the first profile named name. Names are not
// unique on every device; the first match in device order wins.
func (ps *ProfileSet) Resolve(name string) (string, bool) {
	if ps == nil {
		return "", false
	}
	for _, p := range ps.profiles {
		if p.Name == name {
			return p.Token, true
		}
	}
	return "", false
}

// Lookup returns the profile with the given token.
func (ps *ProfileSet) Lookup(token string) (Profile, bool) {
	if ps == nil {
		return Profile{}, false
	}
	i, ok := ps.byToken[token]
	if !ok {
		return Profile{}, false
	}
	return ps.profiles[i], true
}

// All returns the profiles in device order.
func (ps *ProfileSet) All() []Profile {
	if ps == nil {
		return nil
	}
	return append([]Profile(nil), ps.profiles...)
}

func (ps *ProfileSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.profiles)
}
