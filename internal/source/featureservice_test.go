package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureService_FetchQueryAndPaging(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "ISSUEDDATE > TIMESTAMP '2024-01-15 00:00:00'", q.Get("where"))
		assert.Equal(t, "false", q.Get("returnGeometry"))
		assert.Equal(t, "json", q.Get("f"))
		assert.Equal(t, "2", q.Get("resultRecordCount"))

		switch calls.Add(1) {
		case 1:
			assert.Equal(t, "0", q.Get("resultOffset"))
			_, _ = w.Write([]byte(`{"features":[{"attributes":{"OBJECTID":1}},{"attributes":{"OBJECTID":2}}],"exceededTransferLimit":true}`))
		default:
			assert.Equal(t, "2", q.Get("resultOffset"))
			_, _ = w.Write([]byte(`{"features":[{"attributes":{"OBJECTID":3}}]}`))
		}
	}))
	defer srv.Close()

	a := NewFeatureService(Config{Name: "tx-harris", URL: srv.URL + "/FeatureServer/0/query", PageSize: 2},
		testClient(), NewNormalizer("tx-harris", "", nil))
	chunks, err := a.Fetch(context.Background(), Window{Since: testSince})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, FormatArcGIS, chunks[0].Format)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, Truncated(chunks))
}

func TestFeatureService_FetchMarksCapTruncation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"features":[{"attributes":{"OBJECTID":1}},{"attributes":{"OBJECTID":2}}],"exceededTransferLimit":true}`))
	}))
	defer srv.Close()

	a := NewFeatureService(Config{Name: "tx-harris", URL: srv.URL, PageSize: 2, MaxRecords: 2},
		testClient(), NewNormalizer("tx-harris", "", nil))
	chunks, err := a.Fetch(context.Background(), Window{Since: testSince})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Truncated)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFeatureService_InBandError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Unable to complete operation.","details":["Invalid where"]}}`))
	}))
	defer srv.Close()

	a := NewFeatureService(Config{Name: "tx-harris", URL: srv.URL}, testClient(), NewNormalizer("tx-harris", "", nil))
	_, err := a.Fetch(context.Background(), Window{Since: testSince})
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 400, fe.Status)
	assert.Contains(t, err.Error(), "Unable to complete operation")
}

func TestFeatureService_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewFeatureService(Config{Name: "tx-harris", URL: srv.URL}, testClient(), NewNormalizer("tx-harris", "", nil))
	_, err := a.Fetch(context.Background(), Window{Since: testSince})
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadGateway, fe.Status)
}

func TestFeatureService_ParseAttributesAndGeoJSON(t *testing.T) {
	a := NewFeatureService(Config{Name: "tx-harris", URL: "http://unused"}, nil, NewNormalizer("tx-harris", "", nil))
	res, err := a.Parse(context.Background(), Chunk{Name: "offset-0", Data: []byte(`{"features":[
		{"attributes":{"OBJECTID":1,"ISSUEDDATE":1705316400000}},
		{"type":"Feature","properties":{"OBJECTID":2}},
		{"geometry":{"x":1,"y":2}},
		"junk"
	]}`)})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "offset-0#1", res.Refs[1])
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "offset-0#2", res.Skipped[0].Ref)
}

func TestFeatureService_EpochDatesNormalize(t *testing.T) {
	a := NewFeatureService(Config{Name: "tx-harris", URL: "http://unused"}, nil, NewNormalizer("tx-harris", "", nil))
	res, err := a.Parse(context.Background(), Chunk{Name: "offset-0", Data: []byte(`{"features":[
		{"attributes":{"source":"tx-harris","source_record_id":"H1","ISSUEDDATE":1705316400000,"FULLADDRESS":"123 Main","PERMITNUMBER":""}}
	]}`)})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	p, err := a.Normalize(res.Records[0])
	require.NoError(t, err)
	assert.Equal(t, "tx-harris", p.Source)
	assert.Equal(t, "H1", p.SourceRecordID)
	assert.Equal(t, "123 Main", p.Address)
	require.NotNil(t, p.IssuedDate)
	assert.True(t, time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC).Equal(*p.IssuedDate))
}

func TestFeatureService_ParseNotJSON(t *testing.T) {
	a := NewFeatureService(Config{Name: "tx-harris", URL: "http://unused"}, nil, NewNormalizer("tx-harris", "", nil))
	_, err := a.Parse(context.Background(), Chunk{Name: "offset-0", Data: []byte(`nope`)})
	assert.Error(t, err)
}
