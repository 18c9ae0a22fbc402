package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrich/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func create(t *testing.T, st Store, rec model.Record) *model.Record {
	t.Helper()
	r := rec
	require.NoError(t, st.CreateRecord(context.Background(), &r))
	return &r
}

func TestSQLite_RecordRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := create(t, st, model.Record{FullName: "Jane Doe", Phone: "555-123-4567", AlternateEmails: []string{"j@x.test"}})
	assert.Positive(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, "+15551234567", rec.FormattedPhone)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "Jane Doe", got.FullName)
	assert.Equal(t, []string{"j@x.test"}, got.AlternateEmails)
	assert.Equal(t, rec.PhoneFingerprint, got.PhoneFingerprint)

	got.City = "Austin"
	require.NoError(t, st.UpdateRecord(ctx, got))
	again, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Austin", again.City)
}

func TestSQLite_GetRecord_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	got, err := st.GetRecord(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_UpdateRecord_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.UpdateRecord(context.Background(), &model.Record{ID: 999, FullName: "Ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record not found")
}

func TestSQLite_ListRecords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := create(t, st, model.Record{FullName: "A One", Phone: "5550000001"})
	b := create(t, st, model.Record{FullName: "B Two", Phone: "5550000002"})
	c := create(t, st, model.Record{FullName: "C Three", Phone: "5550000003"})
	c.MarkDuplicateOf(a.ID, 100)
	require.NoError(t, st.UpdateRecord(ctx, c))

	recs, err := st.ListRecords(ctx, model.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, a.ID, recs[0].ID)
	assert.Equal(t, b.ID, recs[1].ID)

	recs, err = st.ListRecords(ctx, model.RecordFilter{IncludeDuplicates: true, AfterID: a.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, b.ID, recs[0].ID)
}

func TestSQLite_FindCandidates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	anchor := create(t, st, model.Record{FullName: "Jane Doe", Phone: "5551234567", Email: "jane.doe@gmail.com"})
	samePhone := create(t, st, model.Record{FullName: "J Doe", Phone: "(555) 123-4567"})
	sameEmailFP := create(t, st, model.Record{FullName: "Janie", Email: "janedoe+x@googlemail.com"})
	biz := create(t, st, model.Record{IsBusiness: true, BusinessName: "Acme LLC", City: "Austin"})
	dup := create(t, st, model.Record{FullName: "Jane Doe", Phone: "5551234567"})
	dup.MarkDuplicateOf(anchor.ID, 100)
	require.NoError(t, st.UpdateRecord(ctx, dup))

	got, err := st.FindCandidates(ctx, model.CandidateQuery{
		Strategy: model.MatchExactPhone, Value: "+15551234567", ExcludeID: anchor.ID,
	})
	require.NoError(t, err)
	require.Len(t, got, 1, "anchor and duplicates are excluded")
	assert.Equal(t, samePhone.ID, got[0].ID)

	got, err = st.FindCandidates(ctx, model.CandidateQuery{
		Strategy: model.MatchEmail, Value: "jane.doe@gmail.com", AltValue: anchor.EmailFingerprint, ExcludeID: anchor.ID,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sameEmailFP.ID, got[0].ID)

	got, err = st.FindCandidates(ctx, model.CandidateQuery{
		Strategy: model.MatchBusinessName, Value: biz.NameFingerprint, City: "AUSTIN ",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, biz.ID, got[0].ID)

	got, err = st.FindCandidates(ctx, model.CandidateQuery{
		Strategy: model.MatchPersonName, Value: biz.NameFingerprint,
	})
	require.NoError(t, err)
	assert.Empty(t, got, "person search never returns businesses")
}

func TestSQLite_NotDuplicatePairs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := create(t, st, model.Record{FullName: "A"})
	b := create(t, st, model.Record{FullName: "B"})
	c := create(t, st, model.Record{FullName: "C"})

	require.NoError(t, st.MarkNotDuplicate(ctx, b.ID, a.ID))
	require.NoError(t, st.MarkNotDuplicate(ctx, a.ID, b.ID), "marking twice is a no-op")
	require.NoError(t, st.MarkNotDuplicate(ctx, c.ID, a.ID))

	ids, err := st.NotDuplicateIDs(ctx, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{b.ID, c.ID}, ids)

	ids, err = st.NotDuplicateIDs(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids)

	assert.Error(t, st.MarkNotDuplicate(ctx, a.ID, a.ID))
}

func TestSQLite_WithTx(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := create(t, st, model.Record{FullName: "Jane Doe"})

	err := st.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		locked.City = "Austin"
		return tx.SaveRecord(ctx, locked)
	})
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Austin", got.City)

	boom := errors.New("boom")
	err = st.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		locked.City = "Dallas"
		if err := tx.SaveRecord(ctx, locked); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err = st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Austin", got.City, "rolled back")

	err = st.WithTx(ctx, func(tx Tx) error {
		missing, err := tx.LockRecord(ctx, 999)
		assert.Nil(t, missing)
		return err
	})
	assert.NoError(t, err)
}

func TestSQLite_WithTx_PanicRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := create(t, st, model.Record{FullName: "Jane Doe", City: "Austin"})

	assert.PanicsWithValue(t, "boom", func() {
		_ = st.WithTx(ctx, func(tx Tx) error {
			locked, err := tx.LockRecord(ctx, rec.ID)
			if err != nil {
				return err
			}
			locked.City = "Dallas"
			if err := tx.SaveRecord(ctx, locked); err != nil {
				return err
			}
			panic("boom")
		})
	})

	// The single connection must be released for later calls to proceed.
	got, err := st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Austin", got.City)
	create(t, st, model.Record{FullName: "John Roe"})
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
