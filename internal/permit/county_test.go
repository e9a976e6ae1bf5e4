package permit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferCounty(t *testing.T) {
	tests := map[string]string{
		"tx-harris":       "Harris County",
		"TX-HOUSTON":      "Harris County",
		"City of Houston": "Harris County",
		"Harris County":   "Harris County",
		"Austin, TX":      "Travis County",
		"tx-dallas":       "Dallas County",
		" dallas ":        "Dallas County",
		"tx-elpaso":       "",
		"":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, InferCounty(in), in)
	}
}

func TestResolveCounty(t *testing.T) {
	assert.Equal(t, "Montgomery County", ResolveCounty(" Montgomery County ", "", "tx-harris"))
	assert.Equal(t, "Travis County", ResolveCounty("", "Austin", "tx-harris"))
	assert.Equal(t, "Harris County", ResolveCounty("", "Unincorporated", "tx-harris"))
	assert.Equal(t, UnknownCounty, ResolveCounty("", "", ""))
	assert.Equal(t, UnknownCounty, ResolveCounty("  ", "nowhere", "tx-other"))
}

func TestEncodeLocation(t *testing.T) {
	data, err := EncodeLocation(ptr(29.76), ptr(-95.37))
	assert.NoError(t, err)
	assert.NotEmpty(t, data)

	for _, tc := range []struct {
		name     string
		lat, lon *float64
	}{
		{"missing lat", nil, ptr(-95.0)},
		{"missing lon", ptr(29.0), nil},
		{"lat out of range", ptr(91.0), ptr(0.5)},
		{"lon out of range", ptr(10.0), ptr(-181.0)},
		{"null island", ptr(0.0), ptr(0.0)},
	} {
		data, err := EncodeLocation(tc.lat, tc.lon)
		assert.NoError(t, err, tc.name)
		assert.Nil(t, data, tc.name)
	}
}

func TestDecodeLocation_Invalid(t *testing.T) {
	_, _, err := DecodeLocation([]byte{0x01, 0x02})
	assert.Error(t, err)
}
