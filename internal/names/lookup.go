package names

import (
	"net/mail"
	"strings"
)

// LookupType tags one candidate key in the name-lookup index. The pairing of
// candidate and target tags drives the match score.
type LookupType int

const (
	LookupFullName LookupType = iota // given.family
	LookupFullNameReverse
	LookupFullNameConcatenated
	LookupFullNameReverseConcatenated
	LookupFullNameWithNickname // nickname substituted for given
	LookupFullNameWithNicknameReverse
	LookupGivenNameOnly
	LookupGivenNameOnlyAsNickname
	LookupFamilyNameOnly
	LookupFamilyNameOnlyAsNickname
	LookupNickname // free-form nickname row
	LookupEmailBasedNickname

	lookupTypeCount = iota
)

// IsBasedOnStructuredName reports whether the tag derives from a structured
// name rather than a nickname or email row. The secondary pass compares
// structured-name tags only.
func (t LookupType) IsBasedOnStructuredName() bool {
	return t != LookupNickname && t != LookupEmailBasedNickname
}

// Mode selects which candidate expansion a scan runs under.
type Mode int

const (
	// ModeInsertLookupData builds the set persisted to the lookup index.
	// Single-token given/family fallbacks are left out to keep it small.
	ModeInsertLookupData Mode = iota
	// ModeAggregation adds the single-token fallbacks for matching.
	ModeAggregation
	// ModeSuggestions matches ModeAggregation; the caller additionally runs
	// an approximate prefix scan over the index.
	ModeSuggestions
)

// Candidate is one normalized key with its tag.
type Candidate struct {
	Name string
	Type LookupType
}

// CandidateList reuses its backing array across contacts: Clear truncates
// without dropping elements, so a pass loop allocates once.
type CandidateList struct {
	list  []Candidate
	count int
}

func NewCandidateList() *CandidateList { return &CandidateList{} }

func (l *CandidateList) Add(name string, t LookupType) {
	if name == "" {
		return
	}
	if l.count >= len(l.list) {
		l.list = append(l.list, Candidate{Name: name, Type: t})
	} else {
		l.list[l.count] = Candidate{Name: name, Type: t}
	}
	l.count++
}

func (l *CandidateList) Clear()             { l.count = 0 }
func (l *CandidateList) Len() int           { return l.count }
func (l *CandidateList) All() []Candidate   { return l.list[:l.count] }
func (l *CandidateList) At(i int) Candidate { return l.list[i] }

// Names returns the distinct candidate keys, preserving first-seen order.
func (l *CandidateList) Names() []string {
	seen := make(map[string]struct{}, l.count)
	out := make([]string, 0, l.count)
	for _, c := range l.All() {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		out = append(out, c.Name)
	}
	return out
}

// AddStructuredName expands a structured name into lookup candidates. A name
// with neither part contributes nothing.
func AddStructuredName(l *CandidateList, given, family string, mode Mode, nicks Nicknames) {
	switch {
	case given == "":
		if family == "" {
			return
		}
		addFamilyNameOnly(l, family, nicks)
	case family == "":
		addGivenNameOnly(l, given, nicks)
	default:
		addFullName(l, given, family, mode, nicks)
	}
}

func addGivenNameOnly(l *CandidateList, given string, nicks Nicknames) {
	givenN := Normalize(given)
	l.Add(givenN, LookupGivenNameOnly)
	for _, nick := range clusters(nicks, givenN) {
		l.Add(nick, LookupGivenNameOnlyAsNickname)
	}
}

func addFamilyNameOnly(l *CandidateList, family string, nicks Nicknames) {
	familyN := Normalize(family)
	l.Add(familyN, LookupFamilyNameOnly)

	// Covers given and family names entered swapped.
	for _, nick := range clusters(nicks, familyN) {
		l.Add(nick, LookupFamilyNameOnlyAsNickname)
	}
}

func addFullName(l *CandidateList, given, family string, mode Mode, nicks Nicknames) {
	givenN := Normalize(given)
	familyN := Normalize(family)
	givenNicks := clusters(nicks, givenN)
	familyNicks := clusters(nicks, familyN)

	l.Add(givenN+"."+familyN, LookupFullName)
	for _, nick := range givenNicks {
		l.Add(nick+"."+familyN, LookupFullNameWithNickname)
	}
	l.Add(familyN+"."+givenN, LookupFullNameReverse)
	for _, nick := range familyNicks {
		l.Add(nick+"."+givenN, LookupFullNameWithNicknameReverse)
	}
	l.Add(givenN+familyN, LookupFullNameConcatenated)
	l.Add(familyN+givenN, LookupFullNameReverseConcatenated)

	if mode == ModeAggregation || mode == ModeSuggestions {
		l.Add(givenN, LookupGivenNameOnly)
		for _, nick := range givenNicks {
			l.Add(nick, LookupGivenNameOnlyAsNickname)
		}
		l.Add(familyN, LookupFamilyNameOnly)
		for _, nick := range familyNicks {
			l.Add(nick, LookupFamilyNameOnlyAsNickname)
		}
	}
}

// AddEmail derives an EMAIL_BASED_NICKNAME candidate from the local part of
// an email address so "johndoe@example.com" can hit "John Doe".
func AddEmail(l *CandidateList, email string) {
	address := email
	if parsed, err := mail.ParseAddress(email); err == nil {
		address = parsed.Address
	}
	if at := strings.IndexByte(address, '@'); at >= 0 {
		address = address[:at]
	}
	l.Add(Normalize(address), LookupEmailBasedNickname)
}

// AddNickname normalizes a free-form nickname row into a candidate.
func AddNickname(l *CandidateList, nickname string) {
	l.Add(Normalize(nickname), LookupNickname)
}

func clusters(nicks Nicknames, normalized string) []string {
	if nicks == nil {
		return nil
	}
	return nicks.Clusters(normalized)
}
