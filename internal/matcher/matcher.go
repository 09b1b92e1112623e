// Package matcher keeps the per-pass scoreboard that maps candidate
// aggregates to name-match scores and secondary identifier hits, and picks
// the winning aggregate against the configured thresholds.
package matcher

import (
	"sort"

	"github.com/xrash/smetrics"

	"github.com/contactmesh/contactmesh/internal/names"
)

// Score thresholds. A primary-threshold name score joins on its own; a
// secondary-threshold score joins only together with a phone or email hit;
// the suggestion query surfaces anything above the suggest threshold.
const (
	ScoreThresholdPrimary   = 70
	ScoreThresholdSecondary = 50
	ScoreThresholdSuggest   = 40
)

// approximateMatchFloor is the minimum Jaro similarity before a non-equal
// pair contributes any score at all.
const approximateMatchFloor = 0.8

// NoMatch is the sentinel returned when no aggregate clears the threshold.
// Store-assigned aggregate ids start at 1.
const NoMatch int64 = 0

const typeCount = int(names.LookupEmailBasedNickname) + 1

var scores [typeCount][typeCount]int

func setScore(a, b names.LookupType, score int) {
	scores[a][b] = score
	scores[b][a] = score
}

func init() {
	setScore(names.LookupFullName, names.LookupFullName, 99)
	setScore(names.LookupFullNameReverse, names.LookupFullNameReverse, 99)
	setScore(names.LookupFullName, names.LookupFullNameReverse, 90)

	setScore(names.LookupFullNameConcatenated, names.LookupFullNameConcatenated, 88)
	setScore(names.LookupFullNameReverseConcatenated, names.LookupFullNameReverseConcatenated, 88)
	setScore(names.LookupFullName, names.LookupFullNameConcatenated, 83)
	setScore(names.LookupFullNameReverse, names.LookupFullNameReverseConcatenated, 83)
	setScore(names.LookupFullNameConcatenated, names.LookupFullNameReverseConcatenated, 80)
	setScore(names.LookupFullName, names.LookupFullNameReverseConcatenated, 78)
	setScore(names.LookupFullNameReverse, names.LookupFullNameConcatenated, 78)

	setScore(names.LookupFullNameWithNickname, names.LookupFullName, 75)
	setScore(names.LookupFullNameWithNicknameReverse, names.LookupFullNameReverse, 75)
	setScore(names.LookupFullNameWithNickname, names.LookupFullNameReverse, 72)
	setScore(names.LookupFullNameWithNicknameReverse, names.LookupFullName, 72)
	setScore(names.LookupFullNameWithNickname, names.LookupFullNameWithNickname, 72)
	setScore(names.LookupFullNameWithNicknameReverse, names.LookupFullNameWithNicknameReverse, 72)
	setScore(names.LookupFullNameWithNickname, names.LookupFullNameWithNicknameReverse, 70)

	// The email local part of "johndoe@..." against the concatenated forms
	// of "John Doe".
	setScore(names.LookupEmailBasedNickname, names.LookupFullNameConcatenated, 78)
	setScore(names.LookupEmailBasedNickname, names.LookupFullNameReverseConcatenated, 78)

	setScore(names.LookupNickname, names.LookupNickname, 71)
	setScore(names.LookupNickname, names.LookupEmailBasedNickname, 60)
	setScore(names.LookupEmailBasedNickname, names.LookupEmailBasedNickname, 60)
	setScore(names.LookupNickname, names.LookupGivenNameOnly, 60)
	setScore(names.LookupEmailBasedNickname, names.LookupGivenNameOnly, 60)

	setScore(names.LookupFamilyNameOnly, names.LookupFamilyNameOnly, 35)
	setScore(names.LookupGivenNameOnly, names.LookupGivenNameOnly, 30)
	setScore(names.LookupGivenNameOnly, names.LookupGivenNameOnlyAsNickname, 25)
	setScore(names.LookupGivenNameOnlyAsNickname, names.LookupGivenNameOnlyAsNickname, 25)
	setScore(names.LookupFamilyNameOnly, names.LookupFamilyNameOnlyAsNickname, 25)
	setScore(names.LookupFamilyNameOnlyAsNickname, names.LookupFamilyNameOnlyAsNickname, 25)
	setScore(names.LookupGivenNameOnly, names.LookupFamilyNameOnly, 20)
}

// MatchScore is one scoreboard entry.
type MatchScore struct {
	AggregateID int64
	Score       int
	PhoneHit    bool
	EmailHit    bool
	NicknameHit bool

	keepOut bool
}

// Matcher is the per-aggregation scoreboard. It is not safe for concurrent
// use; a pass owns one instance and Clear()s it between contacts.
type Matcher struct {
	entries map[int64]*MatchScore
	pool    []MatchScore
	used    int
}

func New() *Matcher {
	return &Matcher{entries: make(map[int64]*MatchScore)}
}

// Clear resets the scoreboard, keeping the entry pool for reuse.
func (m *Matcher) Clear() {
	for id := range m.entries {
		delete(m.entries, id)
	}
	m.used = 0
}

func (m *Matcher) entry(aggregateID int64) *MatchScore {
	if e, ok := m.entries[aggregateID]; ok {
		return e
	}
	if m.used >= len(m.pool) {
		m.pool = append(m.pool, MatchScore{})
	}
	e := &m.pool[m.used]
	m.used++
	*e = MatchScore{AggregateID: aggregateID}
	m.entries[aggregateID] = e
	return e
}

// KeepOut marks an aggregate ineligible. Score updates against it are
// ignored and the pickers skip it.
func (m *Matcher) KeepOut(aggregateID int64) {
	m.entry(aggregateID).keepOut = true
}

// MatchName scores the candidate/target key pair against the scoring table
// and raises the aggregate's name score if the pair beats it. When
// approximate is set, unequal keys still score, attenuated by their Jaro
// similarity, provided the similarity clears the floor.
func (m *Matcher) MatchName(aggregateID int64, candidateType names.LookupType, candidateName string,
	targetType names.LookupType, targetName string, approximate bool) {

	score := scores[candidateType][targetType]
	if score == 0 {
		return
	}

	if candidateName != targetName {
		if !approximate {
			return
		}
		// Prefix size 0 disables the Winkler boost: reversed keys share the
		// family-name prefix and the boost would merge distinct given names.
		d := smetrics.JaroWinkler(candidateName, targetName, 0.7, 0)
		if d <= approximateMatchFloor {
			return
		}
		score = int(float64(score) * d)
	}

	e := m.entry(aggregateID)
	if e.keepOut {
		return
	}
	if score > e.Score {
		e.Score = score
	}
}

func (m *Matcher) UpdateScoreWithPhoneMatch(aggregateID int64) {
	if e := m.entry(aggregateID); !e.keepOut {
		e.PhoneHit = true
	}
}

func (m *Matcher) UpdateScoreWithEmailMatch(aggregateID int64) {
	if e := m.entry(aggregateID); !e.keepOut {
		e.EmailHit = true
	}
}

func (m *Matcher) UpdateScoreWithNicknameMatch(aggregateID int64) {
	if e := m.entry(aggregateID); !e.keepOut {
		e.NicknameHit = true
	}
}

// PrepareSecondaryMatchCandidates returns the aggregates whose name score
// stayed below the primary threshold but that were hit through a strong
// identifier (phone or email). These feed the secondary structured-name
// pass. Every name score is reset on the way, so the secondary pick sees
// only scores earned in that pass. Returns nil when there are none.
func (m *Matcher) PrepareSecondaryMatchCandidates(threshold int) []int64 {
	var ids []int64
	for id, e := range m.entries {
		if e.keepOut {
			continue
		}
		if e.Score < threshold && (e.PhoneHit || e.EmailHit) {
			ids = append(ids, id)
		}
		e.Score = 0
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PickBestMatch returns the single aggregate with the highest name score at
// or above the threshold, ties broken by smallest aggregate id, or NoMatch.
func (m *Matcher) PickBestMatch(threshold int) int64 {
	best := NoMatch
	bestScore := 0
	for id, e := range m.entries {
		if e.keepOut || e.Score < threshold {
			continue
		}
		if e.Score > bestScore || (e.Score == bestScore && (best == NoMatch || id < best)) {
			best = id
			bestScore = e.Score
		}
	}
	return best
}

// PickBestMatches returns up to maxMatches entries at or above the
// threshold in descending score order (ascending id within a score).
func (m *Matcher) PickBestMatches(maxMatches, threshold int) []MatchScore {
	out := make([]MatchScore, 0, len(m.entries))
	for _, e := range m.entries {
		if e.keepOut || e.Score < threshold {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AggregateID < out[j].AggregateID
	})
	if len(out) > maxMatches {
		out = out[:maxMatches]
	}
	return out
}
