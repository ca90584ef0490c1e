// Package catalog loads the vehicle catalog and answers search queries over it.
//
// The catalog is read once at startup and never mutated. Every function that
// returns vehicles returns fresh copies in catalog order.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BTreeMap/DealerPipe/internal/models"
	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

var (
	ErrMissingColumn = errors.New("catalog: missing required column")
	ErrEmptyCatalog  = errors.New("catalog: no vehicles")
)

var requiredColumns = []string{"make", "model", "year", "version", "price", "bluetooth", "car_play"}

// Catalog is an immutable, in-memory vehicle table.
type Catalog struct {
	vehicles []models.Vehicle
	// normalized make/model/version per row, precomputed for matching
	index []rowIndex
}

type rowIndex struct {
	make    string
	model   string
	version string
}

// New builds a catalog from vehicles. The slice is copied.
func New(vehicles []models.Vehicle) *Catalog {
	c := &Catalog{
		vehicles: models.CloneVehicles(vehicles),
		index:    make([]rowIndex, len(vehicles)),
	}
	for i, v := range c.vehicles {
		c.index[i] = rowIndex{
			make:    textnorm.Normalize(v.Make),
			model:   textnorm.Normalize(v.Model),
			version: textnorm.Normalize(v.Version),
		}
	}
	return c
}

// Load reads a CSV catalog from path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	defer f.Close()

	c, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	slog.Info("Catalog.Load: catalog loaded", "path", path, "vehicles", c.Len())
	return c, nil
}

// Read parses CSV with a header row. Header names are case-insensitive and
// surrounding whitespace is ignored. A malformed row fails the whole load.
func Read(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCatalog
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	var vehicles []models.Vehicle
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if blankRecord(rec) {
			continue
		}
		v, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		vehicles = append(vehicles, v)
	}
	if len(vehicles) == 0 {
		return nil, ErrEmptyCatalog
	}
	return New(vehicles), nil
}

func blankRecord(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func parseRow(rec []string, cols map[string]int) (models.Vehicle, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	v := models.Vehicle{
		StockID: get("stock_id"),
		Make:    get("make"),
		Model:   get("model"),
		Version: get("version"),
	}
	if v.Make == "" || v.Model == "" {
		return v, errors.New("make and model are required")
	}

	year, err := strconv.Atoi(get("year"))
	if err != nil {
		return v, fmt.Errorf("invalid year %q: %w", get("year"), err)
	}
	v.Year = year

	price, err := parseAmount(get("price"))
	if err != nil {
		return v, fmt.Errorf("invalid price %q: %w", get("price"), err)
	}
	v.Price = price

	if s := get("km"); s != "" {
		km, err := parseAmount(s)
		if err != nil {
			return v, fmt.Errorf("invalid km %q: %w", s, err)
		}
		v.KM = &km
	}
	if v.Bluetooth, err = parseFlag(get("bluetooth")); err != nil {
		return v, err
	}
	if v.CarPlay, err = parseFlag(get("car_play")); err != nil {
		return v, err
	}
	if v.Length, err = parseDimension(get("largo")); err != nil {
		return v, err
	}
	if v.Width, err = parseDimension(get("ancho")); err != nil {
		return v, err
	}
	if v.Height, err = parseDimension(get("altura")); err != nil {
		return v, err
	}
	return v, nil
}

// parseAmount accepts "250000", "250,000", "$250,000.00" and "250000.0".
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(strings.NewReplacer("$", "", ",", "", " ", "", "MXN", "", "mxn", "").Replace(s))
	if s == "" {
		return 0, errors.New("empty amount")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, errors.New("negative amount")
	}
	return int64(f + 0.5), nil
}

func parseFlag(s string) (*bool, error) {
	switch textnorm.Normalize(s) {
	case "":
		return nil, nil
	case "si", "yes", "true", "1", "con":
		b := true
		return &b, nil
	case "no", "false", "0", "sin":
		b := false
		return &b, nil
	}
	return nil, fmt.Errorf("invalid flag %q", s)
}

func parseDimension(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid dimension %q: %w", s, err)
	}
	return &f, nil
}

// Len returns the number of vehicles.
func (c *Catalog) Len() int {
	return len(c.vehicles)
}

// All returns a copy of every vehicle in catalog order.
func (c *Catalog) All() []models.Vehicle {
	return models.CloneVehicles(c.vehicles)
}

// At returns a copy of the i-th vehicle.
func (c *Catalog) At(i int) (models.Vehicle, bool) {
	if i < 0 || i >= len(c.vehicles) {
		return models.Vehicle{}, false
	}
	return c.vehicles[i].Clone(), true
}
