// Package storetest holds a compliance suite shared by the store drivers.
package storetest

import (
	"context"
	"testing"

	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/names"
	"github.com/contactmesh/contactmesh/internal/store"
)

// Run exercises a compliance suite against a store.Store implementation.
// Implementations should provide a clean, isolated store from makeStore.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()

	// Raw contacts
	rc1, err := s.RawContacts().Create(ctx, &model.RawContact{AccountName: "acct-a"})
	if err != nil {
		t.Fatalf("CreateRawContact rc1: %v", err)
	}
	rc2, err := s.RawContacts().Create(ctx, &model.RawContact{AccountName: "acct-b", IsRestricted: true})
	if err != nil {
		t.Fatalf("CreateRawContact rc2: %v", err)
	}
	if rc1.ID == 0 || rc2.ID == 0 || rc1.ID == rc2.ID {
		t.Fatalf("raw contact ids: %d %d", rc1.ID, rc2.ID)
	}
	if got, err := s.RawContacts().Get(ctx, rc1.ID); err != nil || got.AccountName != "acct-a" {
		t.Fatalf("GetRawContact: got=%v err=%v", got, err)
	}
	if _, err := s.RawContacts().Get(ctx, 9999); err != model.ErrNotFound {
		t.Fatalf("GetRawContact missing: err=%v, want ErrNotFound", err)
	}

	pending, err := s.RawContacts().PendingAggregation(ctx)
	if err != nil || len(pending) != 2 {
		t.Fatalf("PendingAggregation: ids=%v err=%v", pending, err)
	}

	// Data rows: structured name refreshes the display-name cache; phone
	// maintains the lookup key.
	if _, err := s.Data().Insert(ctx, &model.DataRow{
		RawContactID: rc1.ID, MimeType: model.MimeStructuredName, Data1: "John", Data2: "Doe",
	}); err != nil {
		t.Fatalf("InsertStructuredName: %v", err)
	}
	if got, err := s.RawContacts().Get(ctx, rc1.ID); err != nil || got.DisplayName != "John Doe" {
		t.Fatalf("display-name cache: got=%v err=%v", got, err)
	}
	phoneRow, err := s.Data().Insert(ctx, &model.DataRow{
		RawContactID: rc1.ID, MimeType: model.MimePhone, Data2: "1-800-466-4411", IsPrimary: true,
	})
	if err != nil {
		t.Fatalf("InsertPhone: %v", err)
	}
	if _, err := s.Data().Insert(ctx, &model.DataRow{
		RawContactID: rc2.ID, MimeType: model.MimeEmail, Data2: "Johndoe@Example.com",
	}); err != nil {
		t.Fatalf("InsertEmail: %v", err)
	}

	matchable, err := s.Data().MatchableForContact(ctx, rc1.ID)
	if err != nil || len(matchable) != 2 {
		t.Fatalf("MatchableForContact: n=%d err=%v", len(matchable), err)
	}

	// Aggregates and membership
	aggID, err := s.Aggregates().Insert(ctx)
	if err != nil || aggID == 0 {
		t.Fatalf("InsertAggregate: id=%d err=%v", aggID, err)
	}
	agg, err := s.Aggregates().Get(ctx, aggID)
	if err != nil || agg.LookupKey == "" {
		t.Fatalf("GetAggregate: got=%v err=%v", agg, err)
	}
	if err := s.RawContacts().SetAggregateID(ctx, rc1.ID, aggID); err != nil {
		t.Fatalf("SetAggregateID rc1: %v", err)
	}
	if err := s.RawContacts().SetAggregateID(ctx, rc2.ID, aggID); err != nil {
		t.Fatalf("SetAggregateID rc2: %v", err)
	}
	if members, err := s.RawContacts().MemberIDs(ctx, aggID); err != nil || len(members) != 2 {
		t.Fatalf("MemberIDs: %v err=%v", members, err)
	}
	if pending, err := s.RawContacts().PendingAggregation(ctx); err != nil || len(pending) != 0 {
		t.Fatalf("PendingAggregation after assign: ids=%v err=%v", pending, err)
	}

	// Phone and email reverse lookups resolve to the aggregate. The phone
	// lookup key ignores country and area prefixes.
	if ids, err := s.Data().AggregateIDsByPhone(ctx, "+1 (212) 466-4411"); err != nil || len(ids) != 1 || ids[0] != aggID {
		t.Fatalf("AggregateIDsByPhone: %v err=%v", ids, err)
	}
	if ids, err := s.Data().AggregateIDsByEmail(ctx, "johndoe@example.com"); err != nil || len(ids) != 1 || ids[0] != aggID {
		t.Fatalf("AggregateIDsByEmail: %v err=%v", ids, err)
	}

	// Name lookup index
	if err := s.NameLookup().Insert(ctx, rc1.ID, names.LookupFullName, "john.doe"); err != nil {
		t.Fatalf("NameLookup.Insert: %v", err)
	}
	if err := s.NameLookup().Insert(ctx, rc1.ID, names.LookupNickname, "ace"); err != nil {
		t.Fatalf("NameLookup.Insert nickname: %v", err)
	}
	if ms, err := s.NameLookup().MatchesIn(ctx, []string{"john.doe", "nobody"}); err != nil || len(ms) != 1 || ms[0].AggregateID != aggID {
		t.Fatalf("MatchesIn: %v err=%v", ms, err)
	}
	if ms, err := s.NameLookup().MatchesByPrefix(ctx, "joh"); err != nil || len(ms) != 1 {
		t.Fatalf("MatchesByPrefix: %v err=%v", ms, err)
	}
	if ids, err := s.NameLookup().AggregateIDsByNickname(ctx, "ace"); err != nil || len(ids) != 1 || ids[0] != aggID {
		t.Fatalf("AggregateIDsByNickname: %v err=%v", ids, err)
	}
	if err := s.NameLookup().DeleteForContact(ctx, rc1.ID); err != nil {
		t.Fatalf("NameLookup.DeleteForContact: %v", err)
	}
	if ms, err := s.NameLookup().MatchesIn(ctx, []string{"john.doe"}); err != nil || len(ms) != 0 {
		t.Fatalf("MatchesIn after delete: %v err=%v", ms, err)
	}

	// Derived-field inputs
	if p, err := s.Data().PrimaryRows(ctx, rc1.ID); err != nil || p.PhoneDataID != phoneRow.ID || p.EmailDataID != 0 {
		t.Fatalf("PrimaryRows: %+v err=%v", p, err)
	}
	if err := s.Aggregates().SetPrimaries(ctx, aggID, model.AggregatePrimaries{OptimalPhoneID: phoneRow.ID}); err != nil {
		t.Fatalf("SetPrimaries: %v", err)
	}
	if p, err := s.Aggregates().Primaries(ctx, aggID); err != nil || p.OptimalPhoneID != phoneRow.ID {
		t.Fatalf("Primaries: %+v err=%v", p, err)
	}
	if err := s.Aggregates().UpdateDisplayName(ctx, aggID, "John Doe"); err != nil {
		t.Fatalf("UpdateDisplayName: %v", err)
	}
	if err := s.Aggregates().RefreshVisibility(ctx, aggID); err != nil {
		t.Fatalf("RefreshVisibility: %v", err)
	}
	if agg, err := s.Aggregates().Get(ctx, aggID); err != nil || !agg.IsVisible || agg.DisplayName != "John Doe" {
		t.Fatalf("aggregate after refresh: %+v err=%v", agg, err)
	}

	// Exceptions resolve the peer side relative to the queried contact.
	if _, err := s.Exceptions().Create(ctx, &model.AggregationException{
		Type: model.ExceptionKeepOut, RawContactID1: rc1.ID, RawContactID2: rc2.ID,
	}); err != nil {
		t.Fatalf("CreateException: %v", err)
	}
	if _, err := s.Exceptions().Create(ctx, &model.AggregationException{
		Type: model.ExceptionType(9), RawContactID1: rc1.ID, RawContactID2: rc2.ID,
	}); err != model.ErrValidation {
		t.Fatalf("CreateException bad type: err=%v, want ErrValidation", err)
	}
	peers, err := s.Exceptions().ForContact(ctx, rc2.ID)
	if err != nil || len(peers) != 1 {
		t.Fatalf("ExceptionsForContact: %v err=%v", peers, err)
	}
	if peers[0].PeerRawContactID != rc1.ID || peers[0].PeerAggregateID != aggID || peers[0].Type != model.ExceptionKeepOut {
		t.Fatalf("ExceptionPeer: %+v", peers[0])
	}

	// ClearAggregateID honours the aggregation mode guard and DeleteIfEmpty
	// only removes orphaned aggregates.
	if deleted, err := s.Aggregates().DeleteIfEmpty(ctx, aggID); err != nil || deleted {
		t.Fatalf("DeleteIfEmpty non-empty: deleted=%v err=%v", deleted, err)
	}
	if changed, err := s.RawContacts().ClearAggregateID(ctx, rc1.ID); err != nil || !changed {
		t.Fatalf("ClearAggregateID rc1: changed=%v err=%v", changed, err)
	}
	if changed, err := s.RawContacts().ClearAggregateID(ctx, rc2.ID); err != nil || !changed {
		t.Fatalf("ClearAggregateID rc2: changed=%v err=%v", changed, err)
	}
	if deleted, err := s.Aggregates().DeleteIfEmpty(ctx, aggID); err != nil || !deleted {
		t.Fatalf("DeleteIfEmpty orphaned: deleted=%v err=%v", deleted, err)
	}

	// Transactions: committed work is visible, rolled-back work is not.
	var txContactID int64
	if err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rc, err := tx.RawContacts().Create(ctx, &model.RawContact{AccountName: "tx-acct"})
		if err != nil {
			return err
		}
		txContactID = rc.ID
		if _, err := tx.YieldIfContended(ctx); err != nil {
			return err
		}
		return nil
	}); err != nil {
		t.Fatalf("RunInTx commit: %v", err)
	}
	if _, err := s.RawContacts().Get(ctx, txContactID); err != nil {
		t.Fatalf("RunInTx committed contact: %v", err)
	}

	wantErr := context.Canceled
	if err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.RawContacts().Create(ctx, &model.RawContact{AccountName: "rollback-acct"}); err != nil {
			return err
		}
		return wantErr
	}); err != wantErr {
		t.Fatalf("RunInTx rollback: err=%v", err)
	}
}
