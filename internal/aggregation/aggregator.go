// Package aggregation implements the contact aggregation engine: it clusters
// raw contacts into aggregates by matching names, phones, emails and
// nicknames, and maintains the aggregates' derived fields.
package aggregation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/contactmesh/contactmesh/internal/matcher"
	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/names"
	"github.com/contactmesh/contactmesh/internal/store"
)

// Aggregator clusters raw contacts into aggregates. A single instance owns
// the matching state; passes and synchronous aggregations serialise on it.
type Aggregator struct {
	store store.Store
	nicks names.Nicknames
	log   zerolog.Logger

	// mu guards the reusable matching state below.
	mu         sync.Mutex
	matcher    *matcher.Matcher
	candidates *names.CandidateList

	cancel atomic.Bool
}

func New(s store.Store, nicks names.Nicknames, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:      s,
		nicks:      nicks,
		log:        log,
		matcher:    matcher.New(),
		candidates: names.NewCandidateList(),
	}
}

// Interrupt requests cancellation of an in-flight aggregation pass. The pass
// commits the work done so far and stops.
func (a *Aggregator) Interrupt() {
	a.cancel.Store(true)
}

// Run finds all contacts that require aggregation and passes them through
// aggregation one by one. Invoked by the scheduler; safe to call directly.
func (a *Aggregator) Run(ctx context.Context) error {
	a.cancel.Store(false)

	pending, err := a.store.RawContacts().PendingAggregation(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	count := 0
	err = a.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range pending {
			if a.cancel.Load() {
				break
			}
			// Lock order is write transaction first, then mu, same as
			// AggregateContact. mu is released across the yield so a
			// synchronous aggregation admitted by it is not blocked.
			a.mu.Lock()
			err := a.aggregateContact(ctx, tx, id)
			a.mu.Unlock()
			if err != nil {
				return err
			}
			count++
			if _, err := tx.YieldIfContended(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if count == len(pending) {
		a.log.Info().Int("count", count).Msg("contact aggregation complete")
	} else {
		a.log.Info().Int("count", count).Int("total", len(pending)).
			Msg("contact aggregation interrupted")
	}
	return nil
}

// AggregateContact synchronously aggregates the specified contact in its own
// transaction.
func (a *Aggregator) AggregateContact(ctx context.Context, rawContactID int64) error {
	return a.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return a.AggregateContactIn(ctx, tx, rawContactID)
	})
}

// AggregateContactIn synchronously aggregates the specified contact within
// the caller's transactional scope.
func (a *Aggregator) AggregateContactIn(ctx context.Context, r store.Repos, rawContactID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aggregateContact(ctx, r, rawContactID)
}

// aggregateContact finds the best matching aggregate for the contact and
// joins it, creating a new aggregate when nothing matches. Callers hold mu.
func (a *Aggregator) aggregateContact(ctx context.Context, r store.Repos, rawContactID int64) error {
	a.candidates.Clear()
	a.matcher.Clear()

	aggregateID, err := a.pickBestMatchBasedOnExceptions(ctx, r, rawContactID)
	if err != nil {
		return err
	}
	if aggregateID == matcher.NoMatch {
		aggregateID, err = a.pickBestMatchBasedOnData(ctx, r, rawContactID, a.candidates, a.matcher)
		if err != nil {
			return err
		}
	}

	newAggregate := false
	if aggregateID == matcher.NoMatch {
		newAggregate = true
		aggregateID, err = r.Aggregates().Insert(ctx)
		if err != nil {
			return err
		}
	}

	if err := a.rebuildLookupData(ctx, r, rawContactID, a.candidates); err != nil {
		return err
	}
	if err := r.RawContacts().SetAggregateID(ctx, rawContactID, aggregateID); err != nil {
		return err
	}
	if err := a.UpdateAggregateData(ctx, r, aggregateID); err != nil {
		return err
	}
	if err := a.updatePrimaries(ctx, r, aggregateID, rawContactID, newAggregate); err != nil {
		return err
	}
	return r.Aggregates().RefreshVisibility(ctx, aggregateID)
}

// pickBestMatchBasedOnExceptions applies user overrides: a KEEP_IN with an
// aggregated peer decides the outcome outright; KEEP_OUT peers are excluded
// from scoring.
func (a *Aggregator) pickBestMatchBasedOnExceptions(ctx context.Context, r store.Repos, rawContactID int64) (int64, error) {
	peers, err := r.Exceptions().ForContact(ctx, rawContactID)
	if err != nil {
		return matcher.NoMatch, err
	}
	for _, p := range peers {
		if p.PeerAggregateID == 0 {
			continue
		}
		if p.Type == model.ExceptionKeepIn {
			return p.PeerAggregateID, nil
		}
		a.matcher.KeepOut(p.PeerAggregateID)
	}
	return matcher.NoMatch, nil
}

// pickBestMatchBasedOnData considers the name match to be primary and phone,
// email etc matches to be secondary. A good primary match joins on its own;
// a good secondary match joins only in the absence of a strong primary
// mismatch.
//
// John Doe with phone 111-111-1111 and Jon Doe with the same phone should
// be aggregated (same number, similar names). John Doe and Deborah Doe with
// the same number should not (same number, different names).
func (a *Aggregator) pickBestMatchBasedOnData(ctx context.Context, r store.Repos, rawContactID int64,
	cand *names.CandidateList, m *matcher.Matcher) (int64, error) {

	if err := a.updateMatchScoresBasedOnDataMatches(ctx, r, rawContactID, names.ModeAggregation, cand, m); err != nil {
		return matcher.NoMatch, err
	}

	best := m.PickBestMatch(matcher.ScoreThresholdPrimary)
	if best == matcher.NoMatch {
		return a.pickBestMatchBasedOnSecondaryData(ctx, r, cand, m)
	}
	return best, nil
}

// pickBestMatchBasedOnSecondaryData loads structured names for the
// aggregates hit through a phone or email and rescores them with approximate
// name matching.
func (a *Aggregator) pickBestMatchBasedOnSecondaryData(ctx context.Context, r store.Repos,
	cand *names.CandidateList, m *matcher.Matcher) (int64, error) {

	secondaryIDs := m.PrepareSecondaryMatchCandidates(matcher.ScoreThresholdPrimary)
	if len(secondaryIDs) == 0 {
		return matcher.NoMatch, nil
	}

	rows, err := r.Data().StructuredNamesForAggregates(ctx, secondaryIDs)
	if err != nil {
		return matcher.NoMatch, err
	}

	// Quadratic in the candidate counts, which stay small: secondary hits in
	// the absence of primary hits are rare.
	nameCandidates := names.NewCandidateList()
	for _, row := range rows {
		nameCandidates.Clear()
		names.AddStructuredName(nameCandidates, row.GivenName, row.FamilyName, names.ModeInsertLookupData, a.nicks)

		for _, c := range cand.All() {
			// Only structured names are compared at this stage; other
			// sources of lookup data are ignored.
			if !c.Type.IsBasedOnStructuredName() {
				continue
			}
			for _, nc := range nameCandidates.All() {
				m.MatchName(row.AggregateID, nc.Type, nc.Name, c.Type, c.Name, true)
			}
		}
	}

	return m.PickBestMatch(matcher.ScoreThresholdSecondary), nil
}

// updateMatchScoresBasedOnDataMatches scores aggregates that share data with
// the contact, collecting name candidates along the way.
func (a *Aggregator) updateMatchScoresBasedOnDataMatches(ctx context.Context, r store.Repos, rawContactID int64,
	mode names.Mode, cand *names.CandidateList, m *matcher.Matcher) error {

	rows, err := r.Data().MatchableForContact(ctx, rawContactID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		switch row.MimeType {
		case model.MimeStructuredName:
			names.AddStructuredName(cand, row.Data1, row.Data2, mode, a.nicks)
		case model.MimeEmail:
			names.AddEmail(cand, row.Data2)
			if err := lookupEmailMatches(ctx, r, row.Data2, m); err != nil {
				return err
			}
		case model.MimePhone:
			if err := lookupPhoneMatches(ctx, r, row.Data2, m); err != nil {
				return err
			}
		case model.MimeNickname:
			names.AddNickname(cand, row.Data2)
			if err := lookupNicknameMatches(ctx, r, row.Data2, m); err != nil {
				return err
			}
		}
	}

	if err := lookupNameMatches(ctx, r, cand, m); err != nil {
		return err
	}

	if mode == names.ModeSuggestions {
		return lookupApproximateNameMatches(ctx, r, cand, m)
	}
	return nil
}

// lookupNameMatches finds exact index hits for the candidate keys and scores
// each against every candidate.
func lookupNameMatches(ctx context.Context, r store.Repos, cand *names.CandidateList, m *matcher.Matcher) error {
	if cand.Len() == 0 {
		return nil
	}
	matches, err := r.NameLookup().MatchesIn(ctx, cand.Names())
	if err != nil {
		return err
	}
	scoreLookupMatches(matches, cand, m, false)
	return nil
}

// lookupApproximateNameMatches scans the index by the first two letters of
// each candidate and scores the hits approximately.
func lookupApproximateNameMatches(ctx context.Context, r store.Repos, cand *names.CandidateList, m *matcher.Matcher) error {
	seen := make(map[string]struct{})
	for _, c := range cand.All() {
		if len(c.Name) < 2 {
			continue
		}
		prefix := c.Name[:2]
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}

		matches, err := r.NameLookup().MatchesByPrefix(ctx, prefix)
		if err != nil {
			return err
		}
		scoreLookupMatches(matches, cand, m, true)
	}
	return nil
}

func scoreLookupMatches(matches []model.NameLookupMatch, cand *names.CandidateList, m *matcher.Matcher, approximate bool) {
	for _, match := range matches {
		for _, c := range cand.All() {
			m.MatchName(match.AggregateID, c.Type, c.Name,
				names.LookupType(match.NameType), match.NormalizedName, approximate)
		}
	}
}

func lookupPhoneMatches(ctx context.Context, r store.Repos, number string, m *matcher.Matcher) error {
	ids, err := r.Data().AggregateIDsByPhone(ctx, number)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.UpdateScoreWithPhoneMatch(id)
	}
	return nil
}

func lookupEmailMatches(ctx context.Context, r store.Repos, address string, m *matcher.Matcher) error {
	ids, err := r.Data().AggregateIDsByEmail(ctx, address)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.UpdateScoreWithEmailMatch(id)
	}
	return nil
}

func lookupNicknameMatches(ctx context.Context, r store.Repos, nickname string, m *matcher.Matcher) error {
	ids, err := r.NameLookup().AggregateIDsByNickname(ctx, names.Normalize(nickname))
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.UpdateScoreWithNicknameMatch(id)
	}
	return nil
}

// rebuildLookupData recomputes the contact's lookup index rows from its
// current data. Single-token fallbacks are left out of the stored set.
func (a *Aggregator) rebuildLookupData(ctx context.Context, r store.Repos, rawContactID int64,
	cand *names.CandidateList) error {

	cand.Clear()

	rows, err := r.Data().MatchableForContact(ctx, rawContactID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		switch row.MimeType {
		case model.MimeStructuredName:
			names.AddStructuredName(cand, row.Data1, row.Data2, names.ModeInsertLookupData, a.nicks)
		case model.MimeEmail:
			names.AddEmail(cand, row.Data2)
		case model.MimeNickname:
			names.AddNickname(cand, row.Data2)
		}
	}

	if err := r.NameLookup().DeleteForContact(ctx, rawContactID); err != nil {
		return err
	}
	for _, c := range cand.All() {
		if err := r.NameLookup().Insert(ctx, rawContactID, c.Type, c.Name); err != nil {
			return err
		}
	}
	return nil
}

// MarkContactForAggregation marks the contact for (re)aggregation, clearing
// its aggregate membership and lookup rows. Returns the contact's effective
// aggregation mode.
func (a *Aggregator) MarkContactForAggregation(ctx context.Context, rawContactID int64) (model.AggregationMode, error) {
	var mode model.AggregationMode
	err := a.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		mode, err = a.MarkContactForAggregationIn(ctx, tx, rawContactID)
		return err
	})
	return mode, err
}

// MarkContactForAggregationIn is MarkContactForAggregation within the
// caller's transactional scope.
func (a *Aggregator) MarkContactForAggregationIn(ctx context.Context, r store.Repos, rawContactID int64) (model.AggregationMode, error) {
	aggregateID, err := r.RawContacts().AggregateID(ctx, rawContactID)
	if err != nil {
		return 0, err
	}
	if aggregateID != 0 {
		changed, err := r.RawContacts().ClearAggregateID(ctx, rawContactID)
		if err != nil {
			return 0, err
		}
		if !changed {
			// Aggregation mode is not default; report it.
			return r.RawContacts().AggregationMode(ctx, rawContactID)
		}

		// Clear out data used for aggregation; it is recreated during
		// aggregation.
		if err := r.NameLookup().DeleteForContact(ctx, rawContactID); err != nil {
			return 0, err
		}
		if _, err := r.Aggregates().DeleteIfEmpty(ctx, aggregateID); err != nil {
			return 0, err
		}
		return model.AggregationModeDefault, nil
	}
	return model.AggregationModeDisabled, nil
}

// UpdateAggregateData recomputes the aggregate's derived fields from its
// members.
func (a *Aggregator) UpdateAggregateData(ctx context.Context, r store.Repos, aggregateID int64) error {
	if err := updateDisplayName(ctx, r, aggregateID); err != nil {
		return err
	}
	if err := updateOptions(ctx, r, aggregateID); err != nil {
		return err
	}
	return updatePhotoID(ctx, r, aggregateID)
}

// updateDisplayName picks the most expressive member name: longer beats
// shorter, mixed case beats mono case. When no member has a name, the
// previous value is left in place.
func updateDisplayName(ctx context.Context, r store.Repos, aggregateID int64) error {
	memberNames, err := r.RawContacts().MemberDisplayNames(ctx, aggregateID)
	if err != nil {
		return err
	}

	best := ""
	for _, name := range memberNames {
		if name == "" {
			continue
		}
		if best == "" || names.CompareComplexity(name, best) > 0 {
			best = name
		}
	}
	if best == "" {
		return nil
	}
	return r.Aggregates().UpdateDisplayName(ctx, aggregateID, best)
}

// updateOptions rolls member options up into the aggregate. Unset voicemail
// and ringtone values do not vote.
func updateOptions(ctx context.Context, r store.Repos, aggregateID int64) error {
	opts, err := r.RawContacts().MemberOptions(ctx, aggregateID)
	if err != nil {
		return err
	}

	var agg model.AggregateOptions
	voicemailVotes, voicemailTrue := 0, 0
	for _, o := range opts {
		if o.SendToVoicemail != nil {
			voicemailVotes++
			if *o.SendToVoicemail {
				voicemailTrue++
			}
		}
		if agg.CustomRingtone == nil && o.CustomRingtone != nil {
			agg.CustomRingtone = o.CustomRingtone
		}
		if o.LastContacted > agg.LastContacted {
			agg.LastContacted = o.LastContacted
		}
		if o.TimesContacted > agg.TimesContacted {
			agg.TimesContacted = o.TimesContacted
		}
		agg.Starred = agg.Starred || o.Starred
	}
	agg.SendToVoicemail = voicemailVotes > 0 && voicemailVotes == voicemailTrue

	return r.Aggregates().UpdateOptions(ctx, aggregateID, agg)
}

// updatePhotoID picks the member photo whose account name sorts first,
// case-insensitively. Without photos the previous value is left in place.
func updatePhotoID(ctx context.Context, r store.Repos, aggregateID int64) error {
	photos, err := r.Data().PhotoCandidates(ctx, aggregateID)
	if err != nil {
		return err
	}

	var chosen int64
	chosenAccount := ""
	for i, p := range photos {
		if i == 0 || strings.Compare(strings.ToLower(p.AccountName), strings.ToLower(chosenAccount)) < 0 {
			chosen = p.DataID
			chosenAccount = p.AccountName
		}
	}
	if chosen == 0 {
		return nil
	}
	return r.Aggregates().UpdatePhotoID(ctx, aggregateID, chosen)
}

// updatePrimaries promotes the newly joined contact's primary phone and
// email into unassigned aggregate slots. The optimal slots take any
// visibility; the fallback slots only unrestricted rows.
func (a *Aggregator) updatePrimaries(ctx context.Context, r store.Repos, aggregateID, rawContactID int64, newAggregate bool) error {
	p, err := r.Aggregates().Primaries(ctx, aggregateID)
	if err != nil {
		return err
	}
	cand, err := r.Data().PrimaryRows(ctx, rawContactID)
	if err != nil {
		return err
	}

	// A restricted single-member aggregate is itself restricted; joining an
	// existing aggregate always resets the flag.
	p.SingleIsRestricted = newAggregate && cand.IsRestricted

	if cand.PhoneDataID != 0 {
		if p.OptimalPhoneID == 0 {
			p.OptimalPhoneID = cand.PhoneDataID
			p.OptimalPhoneRestricted = cand.IsRestricted
		}
		if p.FallbackPhoneID == 0 && !cand.IsRestricted {
			p.FallbackPhoneID = cand.PhoneDataID
		}
	}
	if cand.EmailDataID != 0 {
		if p.OptimalEmailID == 0 {
			p.OptimalEmailID = cand.EmailDataID
			p.OptimalEmailRestricted = cand.IsRestricted
		}
		if p.FallbackEmailID == 0 && !cand.IsRestricted {
			p.FallbackEmailID = cand.EmailDataID
		}
	}

	return r.Aggregates().SetPrimaries(ctx, aggregateID, p)
}

// sortedIDs returns a sorted copy of ids.
func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
