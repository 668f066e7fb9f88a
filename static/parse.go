package static

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"
)

type RouteCSV struct {
	ID        string `csv:"route_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
}

type TripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	Headsign    string `csv:"trip_headsign"`
	DirectionID int8   `csv:"direction_id"`
}

type StopCSV struct {
	ID            string  `csv:"stop_id"`
	Name          string  `csv:"stop_name"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
}

type StopTimeCSV struct {
	TripID       string `csv:"trip_id"`
	StopID       string `csv:"stop_id"`
	StopSequence uint32 `csv:"stop_sequence"`
}

const (
	locationTypeStop    = 0
	locationTypeStation = 1
)

// Parses a GTFS zip into an Index.
func Parse(buf []byte) (*Index, error) {
	// These are the files we load.
	file := map[string]io.ReadCloser{
		"routes.txt":     nil,
		"stops.txt":      nil,
		"trips.txt":      nil,
		"stop_times.txt": nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, found := file[fName]; !found {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	for _, required := range []string{"routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	idx := newIndex()

	err = idx.parseRoutes(file["routes.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	err = idx.parseTrips(file["trips.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	err = idx.parseStops(file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	err = idx.parseStopTimes(file["stop_times.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}

	idx.finalize()

	return idx, nil
}

func (idx *Index) parseRoutes(data io.Reader) error {
	routeCsv := []*RouteCSV{}
	if err := gocsv.Unmarshal(data, &routeCsv); err != nil {
		return fmt.Errorf("unmarshaling routes csv: %w", err)
	}

	for _, r := range routeCsv {
		if r.ID == "" {
			return fmt.Errorf("route has no route_id")
		}
		if _, found := idx.routes[r.ID]; found {
			return fmt.Errorf("repeated route_id '%s'", r.ID)
		}

		name := r.ShortName
		if name == "" {
			name = r.LongName
		}
		if name == "" {
			name = r.ID
		}

		idx.routes[r.ID] = &route{id: r.ID, name: name}
		idx.routeOrder = append(idx.routeOrder, r.ID)
	}

	return nil
}

func (idx *Index) parseTrips(data io.Reader) error {
	tripCsv := []*TripCSV{}
	if err := gocsv.Unmarshal(data, &tripCsv); err != nil {
		return fmt.Errorf("unmarshaling trips csv: %w", err)
	}

	for _, t := range tripCsv {
		if t.ID == "" {
			return fmt.Errorf("empty trip_id")
		}
		if _, found := idx.trips[t.ID]; found {
			return fmt.Errorf("repeated trip_id '%s'", t.ID)
		}
		if _, found := idx.routes[t.RouteID]; !found {
			return fmt.Errorf("unknown route_id '%s'", t.RouteID)
		}
		if t.DirectionID != 0 && t.DirectionID != 1 {
			return fmt.Errorf("invalid direction_id '%d'", t.DirectionID)
		}

		idx.trips[t.ID] = &trip{
			id:          t.ID,
			routeID:     t.RouteID,
			headsign:    t.Headsign,
			directionID: t.DirectionID,
		}
	}

	return nil
}

func (idx *Index) parseStops(data io.Reader) error {
	stopCsv := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	for _, st := range stopCsv {
		if st.ID == "" {
			return fmt.Errorf("empty stop_id")
		}
		if _, found := idx.stops[st.ID]; found {
			return fmt.Errorf("repeated stop_id '%s'", st.ID)
		}

		idx.stops[st.ID] = &stop{
			id:            st.ID,
			name:          st.Name,
			lat:           st.Lat,
			lon:           st.Lon,
			locationType:  st.LocationType,
			parentStation: st.ParentStation,
		}
		idx.stopOrder = append(idx.stopOrder, st.ID)
	}

	// verify stops referenced by parent_station exist
	for _, s := range idx.stops {
		if s.parentStation == "" {
			continue
		}
		if _, found := idx.stops[s.parentStation]; !found {
			return fmt.Errorf("stop '%s' references unknown parent_station '%s'", s.id, s.parentStation)
		}
	}

	return nil
}

func (idx *Index) parseStopTimes(data io.Reader) error {
	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		t, found := idx.trips[st.TripID]
		if !found {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}
		s, found := idx.stops[st.StopID]
		if !found {
			return errors.Wrapf(ErrUnknownStop, "stop_id '%s' (row %d)", st.StopID, i+1)
		}

		t.stops = append(t.stops, tripStop{stopID: st.StopID, sequence: st.StopSequence})
		idx.addStopRoute(s, t.routeID)

		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return nil
}
