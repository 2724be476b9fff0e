package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type BBox struct{ X1, Y1, X2, Y2 float64 }

// String returns the bbox in "minx,miny,maxx,maxy,EPSG:4326" form.
func (b BBox) String() string {
	return fmt.Sprintf("%.5f,%.5f,%.5f,%.5f,EPSG:4326", b.X1, b.Y1, b.X2, b.Y2)
}

var hotCenters = [][2]float64{
	{18.0686, 59.3293}, // Stockholm
	{11.9746, 57.7089}, // Göteborg
	{13.0038, 55.6050}, // Malmö
	{22.1547, 65.5848}, // Luleå
}

// makeBBoxes builds a pool where the first quarter (at least 8) sits around
// a few city centers and the rest is scattered over Sweden.
func makeBBoxes(count int, r *rand.Rand) []BBox {
	if count <= 0 {
		return nil
	}
	bboxes := make([]BBox, 0, count)
	hot := min(count, int(math.Max(8, float64(count/4))))

	for i := range hot {
		c := hotCenters[i%len(hotCenters)]
		dx, dy := (r.Float64()-0.5)*0.20, (r.Float64()-0.5)*0.20
		w, h := 0.12+r.Float64()*0.08, 0.12+r.Float64()*0.08
		lon, lat := c[0]+dx, c[1]+dy
		bboxes = append(bboxes, BBox{lon - w/2, lat - h/2, lon + w/2, lat + h/2})
	}
	for len(bboxes) < count {
		lon := 11 + r.Float64()*(24-11)
		lat := 55 + r.Float64()*(66-55)
		w, h := 0.2*r.Float64()+0.05, 0.2*r.Float64()+0.05
		bboxes = append(bboxes, BBox{lon - w/2, lat - h/2, lon + w/2, lat + h/2})
	}
	return bboxes
}

type Centroid struct {
	ID  string
	Lon float64
	Lat float64
}

func loadCentroids(path string) ([]Centroid, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open centroids: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readCentroids(f)
}

// readCentroids parses a CSV with id, lon and lat columns in any order.
// Rows with a blank field are skipped.
func readCentroids(in io.Reader) ([]Centroid, error) {
	r := csv.NewReader(in)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idIdx, okID := col["id"]
	lonIdx, okLon := col["lon"]
	latIdx, okLat := col["lat"]
	if !okID || !okLon || !okLat {
		return nil, fmt.Errorf("centroid csv: expected columns id,lon,lat; got %v", header)
	}

	var out []Centroid
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		id := strings.TrimSpace(rec[idIdx])
		lonStr := strings.TrimSpace(rec[lonIdx])
		latStr := strings.TrimSpace(rec[latIdx])
		if id == "" || lonStr == "" || latStr == "" {
			continue
		}
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lon %q: %w", lonStr, err)
		}
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lat %q: %w", latStr, err)
		}
		out = append(out, Centroid{ID: id, Lon: lon, Lat: lat})
	}
	return out, nil
}

func bboxesFromCentroids(centroids []Centroid, count int, halfSize float64) []BBox {
	if len(centroids) == 0 || count <= 0 {
		return nil
	}
	count = min(count, len(centroids))
	out := make([]BBox, 0, count)
	for _, c := range centroids[:count] {
		out = append(out, BBox{c.Lon - halfSize, c.Lat - halfSize, c.Lon + halfSize, c.Lat + halfSize})
	}
	return out
}

// percentile interpolates linearly between closest ranks of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	k := (p / 100.0) * float64(len(sorted)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	d := k - f
	return sorted[i]*(1-d) + sorted[i+1]*d
}
