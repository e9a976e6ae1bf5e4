package permit

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID of stored permit locations (WGS 84).
const SRID = 4326

// EncodeLocation returns an EWKB point for the coordinates, or nil when
// either is missing or out of range.
func EncodeLocation(lat, lon *float64) ([]byte, error) {
	if !validCoord(lat, 90) || !validCoord(lon, 180) {
		return nil, nil
	}
	// Null Island is an upstream geocoding placeholder.
	if *lat == 0 && *lon == 0 {
		return nil, nil
	}

	pt := geom.NewPointFlat(geom.XY, []float64{*lon, *lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "permit: encode location")
	}
	return data, nil
}

// DecodeLocation parses an EWKB point written by EncodeLocation.
func DecodeLocation(data []byte) (lat, lon float64, err error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return 0, 0, eris.Wrap(err, "permit: decode location")
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return 0, 0, eris.Errorf("permit: location is %T, not a point", g)
	}
	return pt.Y(), pt.X(), nil
}

func validCoord(v *float64, limit float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) && math.Abs(*v) <= limit
}
