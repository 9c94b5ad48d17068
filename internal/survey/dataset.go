// Package survey owns the observed-data model: point observations with
// measured and calculated values, the point-format file I/O, and the
// distribution broadcast that hands a rank-0 read to every other rank.
package survey

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/terralode/jointinv/internal/parallel"
)

// ErrCountMismatch is returned when a data file's declared point count does
// not match the count the configuration expects. Count mismatches are fatal
// for the whole run.
var ErrCountMismatch = errors.New("survey: data count mismatch")

// Column selects which value column of a DataSet an output operation uses.
type Column int

const (
	// Measured selects the observed field values read from the input file.
	Measured Column = iota
	// Calculated selects the values predicted by the current model.
	Calculated
)

// DataPoint is a single observation: a position and the measured field
// value there. Calculated is the model-predicted value and is the only
// field mutated after reading.
type DataPoint struct {
	X, Y, Z    float64
	Measured   float64
	Calculated float64
}

// DataSet is an ordered collection of observations for one physics. It is
// populated once (on the designated I/O rank) and broadcast read-only to
// all other ranks; only the Calculated column changes afterwards.
type DataSet struct {
	Points []DataPoint
}

// Len returns the number of observations (ndata).
func (ds *DataSet) Len() int { return len(ds.Points) }

// Value returns the selected column of point i.
func (ds *DataSet) Value(i int, col Column) float64 {
	if col == Calculated {
		return ds.Points[i].Calculated
	}
	return ds.Points[i].Measured
}

// MeasuredVector returns a fresh slice of the measured column.
func (ds *DataSet) MeasuredVector() []float64 {
	out := make([]float64, len(ds.Points))
	for i, p := range ds.Points {
		out[i] = p.Measured
	}
	return out
}

// SetCalculated replaces the calculated column. The slice length must equal
// the dataset length.
func (ds *DataSet) SetCalculated(vals []float64) error {
	if len(vals) != len(ds.Points) {
		return fmt.Errorf("%w: %d calculated values for %d points", ErrCountMismatch, len(vals), len(ds.Points))
	}
	for i := range ds.Points {
		ds.Points[i].Calculated = vals[i]
	}
	return nil
}

// ReadPoints reads a point-format data file: a first line holding the
// integer point count, then one `X Y Z value` line per point. wantN < 0
// skips the configured-count check; otherwise a mismatch between wantN and
// the file's declared count is an error.
func ReadPoints(path string, wantN int) (*DataSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("survey: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("survey: %s: missing count line", path)
	}
	count, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return nil, fmt.Errorf("survey: %s: bad count line %q: %w", path, sc.Text(), err)
	}
	if count < 0 {
		return nil, fmt.Errorf("survey: %s: negative count %d", path, count)
	}
	if wantN >= 0 && count != wantN {
		return nil, fmt.Errorf("%w: %s declares %d points, configuration expects %d", ErrCountMismatch, path, count, wantN)
	}

	ds := &DataSet{Points: make([]DataPoint, 0, count)}
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 4 {
			return nil, fmt.Errorf("survey: %s:%d: expected `X Y Z value`, got %q", path, line, text)
		}
		var vals [4]float64
		for k := 0; k < 4; k++ {
			vals[k], err = strconv.ParseFloat(fields[k], 64)
			if err != nil {
				return nil, fmt.Errorf("survey: %s:%d: bad number %q: %w", path, line, fields[k], err)
			}
		}
		ds.Points = append(ds.Points, DataPoint{X: vals[0], Y: vals[1], Z: vals[2], Measured: vals[3]})
		if len(ds.Points) > count {
			return nil, fmt.Errorf("%w: %s has more than the declared %d points", ErrCountMismatch, path, count)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("survey: read %s: %w", path, err)
	}
	if len(ds.Points) != count {
		return nil, fmt.Errorf("%w: %s declares %d points but contains %d", ErrCountMismatch, path, count, len(ds.Points))
	}
	return ds, nil
}

// WritePoints writes the dataset in point format: a count header line, then
// one `X Y Z value` line per point with the selected value column.
func (ds *DataSet) WritePoints(path string, col Column) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("survey: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n", ds.Len())
	for i := range ds.Points {
		p := &ds.Points[i]
		fmt.Fprintf(w, "%.15g %.15g %.15g %.15g\n", p.X, p.Y, p.Z, ds.Value(i, col))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("survey: write %s: %w", path, err)
	}
	return nil
}

// WriteCSV writes the visualization companion file with header `x,y,z,f`.
func (ds *DataSet) WriteCSV(path string, col Column) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("survey: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "x,y,z,f")
	for i := range ds.Points {
		p := &ds.Points[i]
		fmt.Fprintf(w, "%g,%g,%g,%g\n", p.X, p.Y, p.Z, ds.Value(i, col))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("survey: write %s: %w", path, err)
	}
	return nil
}

// ReadAndBroadcast reads the data file on the root rank and distributes the
// resulting dataset to every rank. On a read failure the root aborts the
// group so no peer blocks on the broadcast. All ranks return the same
// dataset or the same error.
func ReadAndBroadcast(comm parallel.Communicator, path string, wantN, root int) (*DataSet, error) {
	var count []int
	var ds *DataSet

	if comm.Rank() == root {
		var err error
		ds, err = ReadPoints(path, wantN)
		if err != nil {
			comm.Abort(err)
			return nil, err
		}
		count = []int{ds.Len()}
	} else {
		count = []int{0}
	}
	if err := comm.BroadcastInts(count, root); err != nil {
		return nil, err
	}

	// Flatten to a single float payload: X Y Z measured per point.
	buf := make([]float64, 4*count[0])
	if comm.Rank() == root {
		for i, p := range ds.Points {
			buf[4*i+0] = p.X
			buf[4*i+1] = p.Y
			buf[4*i+2] = p.Z
			buf[4*i+3] = p.Measured
		}
	}
	if err := comm.Broadcast(buf, root); err != nil {
		return nil, err
	}
	if comm.Rank() != root {
		ds = &DataSet{Points: make([]DataPoint, count[0])}
		for i := range ds.Points {
			ds.Points[i] = DataPoint{X: buf[4*i+0], Y: buf[4*i+1], Z: buf[4*i+2], Measured: buf[4*i+3]}
		}
	}
	return ds, nil
}
