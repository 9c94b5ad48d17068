package constraint

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Auxiliary table loaders for the constraint operators: mixture files for
// clustering, bounds and lithology tables for ADMM, and per-cell weight
// files. All are whitespace-separated numeric tables, one record per line,
// with `#` comment lines ignored.

// readRows reads every non-comment line of path as a []float64 record.
func readRows(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("constraint: open %s: %w", path, err)
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, fld := range fields {
			row[i], err = strconv.ParseFloat(fld, 64)
			if err != nil {
				return nil, fmt.Errorf("constraint: %s:%d: bad number %q: %w", path, line, fld, err)
			}
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("constraint: read %s: %w", path, err)
	}
	return rows, nil
}

// LoadMixtureFile reads Gaussian mixture components for nPhysics joint
// properties. Each record is `proportion mean₁..mean_p sigma₁..sigma_p`.
func LoadMixtureFile(path string, nPhysics int) ([]MixtureComponent, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	want := 1 + 2*nPhysics
	comps := make([]MixtureComponent, 0, len(rows))
	for i, row := range rows {
		if len(row) != want {
			return nil, fmt.Errorf("constraint: %s: component %d has %d values, want %d", path, i, len(row), want)
		}
		comps = append(comps, MixtureComponent{
			Proportion: row[0],
			Mean:       append([]float64(nil), row[1:1+nPhysics]...),
			Sigma:      append([]float64(nil), row[1+nPhysics:]...),
		})
	}
	return comps, nil
}

// LoadBoundsFile reads per-lithology bound intervals: one `lower upper`
// record per class. nLithologies, when positive, is validated against the
// record count.
func LoadBoundsFile(path string, nLithologies int) ([][2]float64, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	if nLithologies > 0 && len(rows) != nLithologies {
		return nil, fmt.Errorf("constraint: %s has %d lithology intervals, configuration expects %d", path, len(rows), nLithologies)
	}
	bounds := make([][2]float64, len(rows))
	for i, row := range rows {
		if len(row) != 2 {
			return nil, fmt.Errorf("constraint: %s: interval %d has %d values, want 2", path, i, len(row))
		}
		bounds[i] = [2]float64{row[0], row[1]}
	}
	return bounds, nil
}

// LoadLithologyFile reads the per-cell lithology class index table (one
// integer per cell, whole grid) and returns the classes for the whole grid.
func LoadLithologyFile(path string, numCells int) ([]int, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	var classes []int
	for _, row := range rows {
		for _, v := range row {
			classes = append(classes, int(v))
		}
	}
	if len(classes) != numCells {
		return nil, fmt.Errorf("constraint: %s has %d lithology entries for %d cells", path, len(classes), numCells)
	}
	return classes, nil
}

// LoadCellWeights reads a per-cell scalar table (one value per cell over
// the whole grid), used for local clustering or smoothness weights.
func LoadCellWeights(path string, numCells int) ([]float64, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	var w []float64
	for _, row := range rows {
		w = append(w, row...)
	}
	if len(w) != numCells {
		return nil, fmt.Errorf("constraint: %s has %d weights for %d cells", path, len(w), numCells)
	}
	return w, nil
}

// LoadPriorModel reads a per-cell prior/starting model table for one
// physics over the whole grid.
func LoadPriorModel(path string, numCells int) ([]float64, error) {
	return LoadCellWeights(path, numCells)
}
