package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceToSelfIsZero(t *testing.T) {
	p := models.Coord{Lat: 23.7809, Lng: 90.2792}
	if d := DistanceMeters(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceHundredthDegreeAtEquator(t *testing.T) {
	d := DistanceMeters(models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0.01, Lng: 0})
	if math.Abs(d-1113) > 1113*0.01 {
		t.Fatalf("expected ~1113m, got %f", d)
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := models.Coord{Lat: 23.7809, Lng: 90.2792}
	b := models.Coord{Lat: 23.7510, Lng: 90.3940}
	if math.Abs(DistanceMeters(a, b)-DistanceMeters(b, a)) > 1e-9 {
		t.Fatalf("distance not symmetric")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		c    models.Coord
		want error
	}{
		{"origin", models.Coord{}, nil},
		{"corners", models.Coord{Lat: -90, Lng: 180}, nil},
		{"lat high", models.Coord{Lat: 90.0001, Lng: 0}, ErrLatitudeRange},
		{"lng low", models.Coord{Lat: 0, Lng: -180.5}, ErrLongitudeRange},
		{"nan", models.Coord{Lat: math.NaN(), Lng: 0}, ErrNotFinite},
		{"inf", models.Coord{Lat: 0, Lng: math.Inf(1)}, ErrNotFinite},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.c); !errors.Is(err, tc.want) {
				t.Fatalf("Validate(%+v) = %v, want %v", tc.c, err, tc.want)
			}
		})
	}
}
