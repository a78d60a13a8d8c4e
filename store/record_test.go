package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHSDigital/eps-spine-shared-sub000/internal/shard"
	"github.com/NHSDigital/eps-spine-shared-sub000/store"
)

const (
	r1ID = "E3E6FA8F-A5B0-4C6E-9F1E-E2C0F8B0A1B2N"
	r2ID = "9D4C1A-A83008-5D5A4T"
)

func prescriptionRecord() map[string]any {
	return map[string]any{
		"SCN": 3,
		"prescription": map[string]any{
			"prescriptionTime":        "20240301120000",
			"prescribingOrganization": "P1",
		},
		"patient":    map[string]any{"nhsNumber": "9990001112"},
		"nomination": map[string]any{"nominatedPerformer": "NOM1"},
		"instances": map[string]any{
			"1": map[string]any{
				"prescriptionStatus": "0002",
				"dispense":           map[string]any{"dispensingOrganization": "D2"},
			},
			"2": map[string]any{"prescriptionStatus": "0001"},
			"3": map[string]any{
				"prescriptionStatus": "0001",
				"dispense":           map[string]any{"dispensingOrganization": "D1"},
			},
		},
	}
}

func TestRecord_VersionedUpdateScenario(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, store.Config{})

	require.NoError(t, s.InsertRecord(ctx, "R1", map[string]any{"SCN": 1}, nil, ""))

	rec, err := s.GetRecord(ctx, "R1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Value["SCN"])
	assert.Equal(t, int64(1), rec.SCN)

	require.NoError(t, s.UpdateRecord(ctx, "R1", map[string]any{"SCN": 2}, nil, "", 1))

	err = s.UpdateRecord(ctx, "R1", map[string]any{"SCN": 2}, nil, "", 1)
	assert.ErrorIs(t, err, store.ErrConditionalUpdate)

	rec, err = s.GetRecord(ctx, "R1", true)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Value["SCN"])
	assert.Equal(t, int64(2), rec.SCN)
}

func TestRecordItem_RequiresSCN(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{})

	tests := []struct {
		name string
		scn  any
	}{
		{"missing", nil},
		{"not a number", "three"},
		{"fractional", 2.5},
		{"boolean", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := prescriptionRecord()
			delete(record, "SCN")
			if tt.scn != nil {
				record["SCN"] = tt.scn
			}

			_, err := s.RecordItem(r2ID, record, nil, "")
			assert.ErrorIs(t, err, store.ErrInvalidContent)

			err = s.InsertRecord(ctx, r2ID, record, nil, "")
			assert.ErrorIs(t, err, store.ErrInvalidContent)
			assert.Zero(t, client.Len(), "nothing is written")
		})
	}
}

func TestUpdateRecord_AtReadVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, store.Config{})

	record := prescriptionRecord()
	record["SCN"] = "4"
	require.NoError(t, s.InsertRecord(ctx, r2ID, record, nil, ""))

	rec, err := s.GetRecord(ctx, r2ID, true)
	require.NoError(t, err)
	require.Equal(t, int64(4), rec.SCN)

	rec.Value["SCN"] = rec.SCN + 1
	require.NoError(t, s.UpdateRecord(ctx, r2ID, rec.Value, nil, "", rec.SCN))

	rec, err = s.GetRecord(ctx, r2ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.SCN)
}

func TestInsertRecord_Duplicate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, store.Config{})

	require.NoError(t, s.InsertRecord(ctx, r2ID, prescriptionRecord(), nil, "Acute"))
	// The check digit is not part of the key.
	err := s.InsertRecord(ctx, r2ID[:19]+"X", prescriptionRecord(), nil, "Acute")
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestRecordItem_Projection(t *testing.T) {
	s, client := newTestStore(t, store.Config{})
	index := map[string][]string{
		store.IndexNextActivity:  {"createNoClaim_20240401"},
		store.IndexNHSNumberDate: {"9990001112|20240301120000"},
		"NOMPharmStatus_bin":     {"NOM1_0001"},
	}
	require.NoError(t, s.InsertRecord(context.Background(), r2ID, prescriptionRecord(), index, "Acute"))

	raw := client.Raw(r2ID[:19], "REC")
	require.NotNil(t, raw)

	assert.Equal(t, "20240301120000", stringOf(t, raw, store.AttrCreationDatetime))
	assert.Equal(t, "9990001112", stringOf(t, raw, store.AttrNHSNumber))
	assert.Equal(t, "P1", stringOf(t, raw, store.AttrPrescriberOrg))
	assert.Equal(t, "0001#0002", stringOf(t, raw, store.AttrStatus))
	assert.Equal(t, "1", numberOf(t, raw, store.AttrIsReady))
	assert.Equal(t, "D1#D2", stringOf(t, raw, store.AttrDispenserOrg))
	assert.Equal(t, "NOM1", stringOf(t, raw, store.AttrNominatedPharmacy))
	assert.Equal(t, "Acute", stringOf(t, raw, store.AttrRecordType))
	assert.Equal(t, "3", numberOf(t, raw, store.AttrSCN))
	assert.Equal(t, "20240401", stringOf(t, raw, store.AttrNextActivityDate))

	nextActivity := stringOf(t, raw, store.AttrNextActivity)
	assert.Equal(t, "createNoClaim", shard.Strip(nextActivity))
	assert.Regexp(t, `^createNoClaim\.([1-9]|1[0-2])$`, nextActivity)
	assert.Regexp(t, `^R2\.([1-9]|1[0-2])$`, stringOf(t, raw, store.AttrReleaseVersion))

	indexes, ok := raw[store.AttrIndexes].(*types.AttributeValueMemberM)
	require.True(t, ok)
	for name := range indexes.Value {
		assert.Equal(t, strings.ToLower(name), name)
	}
	assert.Contains(t, indexes.Value, "nompharmstatus_bin")

	// Created 2024-03-01, kept for 18 months.
	want := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, mustInt(t, numberOf(t, raw, store.AttrExpireAt)))
}

func TestRecordItem_NotReadyWithoutDispensers(t *testing.T) {
	s, _ := newTestStore(t, store.Config{})
	record := map[string]any{
		"SCN":        1,
		"nomination": map[string]any{"nominatedPerformer": "NOM1"},
		"instances": map[string]any{
			"1": map[string]any{"prescriptionStatus": "0006"},
			"2": map[string]any{"prescriptionStatus": "0002"},
		},
	}

	item, err := s.RecordItem(r1ID, record, nil, "")
	require.NoError(t, err)

	assert.Equal(t, "0002#0006", stringOf(t, item, store.AttrStatus))
	assert.Equal(t, "0", numberOf(t, item, store.AttrIsReady))
	assert.Equal(t, "NOM1", stringOf(t, item, store.AttrDispenserOrg), "falls back to the nominated pharmacy")
	assert.Equal(t, r1ID[:36], stringOf(t, item, store.AttrPK))
	assert.True(t, strings.HasPrefix(stringOf(t, item, store.AttrReleaseVersion), "R1."))
	assert.NotContains(t, item, store.AttrRecordType)
	assert.NotContains(t, item, store.AttrSCN)
}

func TestRecordItem_Purge(t *testing.T) {
	s, _ := newTestStore(t, store.Config{})
	index := map[string][]string{store.IndexNextActivity: {"purge_20240401"}}

	item, err := s.RecordItem(r2ID, prescriptionRecord(), index, "Acute")
	require.NoError(t, err)

	for _, name := range []string{
		store.AttrNHSNumber, store.AttrPrescriberOrg, store.AttrDispenserOrg,
		store.AttrNominatedPharmacy, store.AttrStatus, store.AttrIsReady,
		store.AttrCreationDatetime, store.AttrReleaseVersion, store.AttrRecordType,
	} {
		assert.NotContains(t, item, name, "purged records leave the search indexes")
	}
	assert.Equal(t, "purge", shard.Strip(stringOf(t, item, store.AttrNextActivity)))

	want := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, mustInt(t, numberOf(t, item, store.AttrExpireAt)))
}

func TestRecordItem_ExpiryByNextActivity(t *testing.T) {
	s, _ := newTestStore(t, store.Config{})
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	retention := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		name     string
		term     string
		expected int64
	}{
		{"delete soon", "delete_20240401", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC).Unix()},
		{"delete late", "delete_20250101", retention},
		{"never", "delete_99991231", retention},
		{"other activity", "expire_20240401", retention},
		{"no date", "delete", retention},
		{"purge", "purge_20240501", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Unix()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := s.RecordItem(r2ID, prescriptionRecord(), map[string][]string{store.IndexNextActivity: {tt.term}}, "")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mustInt(t, numberOf(t, item, store.AttrExpireAt)), "created %s", created)
		})
	}
}

func TestRecordItem_IndexesFromBody(t *testing.T) {
	s, _ := newTestStore(t, store.Config{})
	record := map[string]any{
		"SCN": 1,
		"indexes": map[string]any{
			"nhsNumber_bin": []any{"9990001112"},
			"bogus":         "not a list",
		},
	}

	item, err := s.RecordItem("R1", record, nil, "")
	require.NoError(t, err)

	indexes := item[store.AttrIndexes].(*types.AttributeValueMemberM).Value
	assert.Len(t, indexes, 1)
	terms := indexes["nhsnumber_bin"].(*types.AttributeValueMemberL).Value
	require.Len(t, terms, 1)
	assert.Equal(t, sAttr("9990001112"), terms[0])
}

func TestGetRecord(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{})
	require.NoError(t, s.InsertRecord(ctx, r2ID, prescriptionRecord(), nil, "Acute"))

	rec, err := s.GetRecord(ctx, r2ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.ReleaseR2, rec.ReleaseVersion)
	assert.Equal(t, "Acute", rec.RecordType)
	assert.Equal(t, int64(3), rec.SCN)
	assert.Equal(t, "0001", rec.Value["instances"].(map[string]any)["2"].(map[string]any)["prescriptionStatus"])

	rec, err = s.GetRecord(ctx, "missing", false)
	assert.NoError(t, err)
	assert.Nil(t, rec)

	_, err = s.GetRecord(ctx, "missing", true)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, client.PutRaw(map[string]types.AttributeValue{
		store.AttrPK: sAttr("corrupt"), store.AttrSK: sAttr("REC"),
		store.AttrBody: &types.AttributeValueMemberB{Value: []byte("not zlib")},
	}))
	_, err = s.GetRecord(ctx, "corrupt", true)
	assert.ErrorIs(t, err, store.ErrCorruption)
	var keyErr *store.KeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "corrupt", keyErr.Key)

	require.NoError(t, client.PutRaw(map[string]types.AttributeValue{
		store.AttrPK: sAttr("bodiless"), store.AttrSK: sAttr("REC"),
	}))
	_, err = s.GetRecord(ctx, "bodiless", true)
	assert.ErrorIs(t, err, store.ErrEmptyRecord)
}

func TestGetRecord_LegacyItem(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{})

	body, err := store.EncodeBody(store.SortKeyRecord, map[string]any{"SCN": 7})
	require.NoError(t, err)
	require.NoError(t, client.PutRaw(map[string]types.AttributeValue{
		store.AttrPK: sAttr(r1ID[:36]), store.AttrSK: sAttr("REC"), store.AttrBody: body,
	}))

	rec, err := s.GetRecord(ctx, r1ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.SCN, "SCN read from the body")
	assert.Equal(t, store.ReleaseR1, rec.ReleaseVersion, "release version derived from the key")
}

func TestRecordPresentAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, store.Config{})
	require.NoError(t, s.InsertRecord(ctx, r2ID, prescriptionRecord(), nil, ""))

	present, err := s.RecordPresent(ctx, r2ID)
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, s.DeleteRecord(ctx, r2ID))
	present, err = s.RecordPresent(ctx, r2ID)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestReleaseVersion(t *testing.T) {
	tests := []struct {
		id       string
		expected string
	}{
		{r1ID, store.ReleaseR1},
		{r1ID[:36], store.ReleaseR1},
		{r2ID, store.ReleaseR2},
		{r2ID[:19], store.ReleaseR2},
		{"R1", store.ReleaseUnknown},
		{"", store.ReleaseUnknown},
	}

	for _, tt := range tests {
		if got := store.ReleaseVersion(tt.id); got != tt.expected {
			t.Errorf("ReleaseVersion(%q) = %q, want %q", tt.id, got, tt.expected)
		}
	}
}
