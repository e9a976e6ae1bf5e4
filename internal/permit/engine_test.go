package permit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeWriter struct {
	rows []*model.PermitRow
	err  error
}

func (f *fakeWriter) UpsertPermit(_ context.Context, row *model.PermitRow) (*model.UpsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.rows = append(f.rows, row)
	return &model.UpsertResult{Action: model.ActionInserted, PermitRowID: int64(len(f.rows)), Row: *row}, nil
}

func ptr[T any](v T) *T { return &v }

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		name   string
		permit model.Permit
		want   string
	}{
		{"explicit permit id", model.Permit{PermitID: "P-1", PermitNumber: "N-1", SourceRecordID: "X1"}, "P-1"},
		{"falls back to permit number", model.Permit{PermitNumber: "N-1", SourceRecordID: "X1"}, "N-1"},
		{"falls back to source record id", model.Permit{SourceRecordID: "X1"}, "X1"},
		{"whitespace is empty", model.Permit{PermitID: "  ", PermitNumber: "\t", SourceRecordID: "X1"}, "X1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalID(&tt.permit))
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		permit model.Permit
		want   string
	}{
		{"work description", model.Permit{WorkDescription: " Kitchen remodel ", PermitType: "Building"}, "Kitchen remodel"},
		{"permit type", model.Permit{PermitType: "Electrical"}, "Electrical"},
		{"permit number", model.Permit{PermitNumber: "2024-001", SourceRecordID: "X"}, "Permit 2024-001"},
		{"permit id", model.Permit{PermitID: "PID", SourceRecordID: "X"}, "Permit PID"},
		{"row id", model.Permit{SourceRecordID: "X1"}, "Permit X1"},
		{"nothing", model.Permit{}, "Permit (no #)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(&tt.permit))
		})
	}
}

func TestPrepare_IdentifierFallback(t *testing.T) {
	row, err := Prepare(&model.Permit{Source: "tx-austin", SourceRecordID: "X1"})
	require.NoError(t, err)
	assert.Equal(t, "X1", row.PermitID)
	assert.Equal(t, "Travis County", row.County)
	assert.Equal(t, "Permit X1", row.Name)
	assert.Nil(t, row.Location)
}

func TestPrepare_NeverNullColumns(t *testing.T) {
	row, err := Prepare(&model.Permit{Source: "tx-unmapped", SourceRecordID: "R"})
	require.NoError(t, err)
	assert.Equal(t, UnknownCounty, row.County)
	assert.NotEmpty(t, row.Name)
}

func TestPrepare_KeepsExplicitCounty(t *testing.T) {
	row, err := Prepare(&model.Permit{Source: "tx-harris", SourceRecordID: "H1", County: "Fort Bend County"})
	require.NoError(t, err)
	assert.Equal(t, "Fort Bend County", row.County)
}

func TestPrepare_EncodesLocation(t *testing.T) {
	row, err := Prepare(&model.Permit{
		Source: "tx-austin", SourceRecordID: "S1",
		Latitude: ptr(30.2672), Longitude: ptr(-97.7431),
	})
	require.NoError(t, err)
	require.NotNil(t, row.Location)

	lat, lon, err := DecodeLocation(row.Location)
	require.NoError(t, err)
	assert.InDelta(t, 30.2672, lat, 1e-9)
	assert.InDelta(t, -97.7431, lon, 1e-9)
}

func TestPrepare_DoesNotMutateInput(t *testing.T) {
	p := &model.Permit{Source: "tx-harris", SourceRecordID: "H1"}
	_, err := Prepare(p)
	require.NoError(t, err)
	assert.Empty(t, p.PermitID)
	assert.Empty(t, p.County)
}

func TestPrepare_Invalid(t *testing.T) {
	_, err := Prepare(nil)
	assert.ErrorIs(t, err, ErrInvalidPermit)

	_, err = Prepare(&model.Permit{SourceRecordID: "X"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing source")

	_, err = Prepare(&model.Permit{Source: "tx-harris"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source_record_id")
	assert.ErrorIs(t, err, ErrInvalidPermit)
}

func TestEngine_Upsert(t *testing.T) {
	w := &fakeWriter{}
	e := NewEngine(w)

	res, err := e.Upsert(context.Background(), &model.Permit{
		Source: "tx-harris", SourceRecordID: "H1", Jurisdiction: "City of Houston",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ActionInserted, res.Action)
	require.Len(t, w.rows, 1)
	assert.Equal(t, "H1", w.rows[0].PermitID)
	assert.Equal(t, "Harris County", w.rows[0].County)
}

func TestEngine_UpsertPropagatesConflict(t *testing.T) {
	conflict := &IdentityConflictError{Source: "tx-dallas", PermitID: "P1", SourceRecordID: "B", ExistingRecordID: "A"}
	e := NewEngine(&fakeWriter{err: conflict})

	_, err := e.Upsert(context.Background(), &model.Permit{Source: "tx-dallas", SourceRecordID: "B", PermitID: "P1"})
	var ice *IdentityConflictError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "A", ice.ExistingRecordID)
	assert.Contains(t, err.Error(), `already held by record "A"`)
}

func TestEngine_UpsertRejectsInvalid(t *testing.T) {
	w := &fakeWriter{}
	_, err := NewEngine(w).Upsert(context.Background(), &model.Permit{Source: "tx-dallas"})
	require.Error(t, err)
	assert.Empty(t, w.rows)
}
