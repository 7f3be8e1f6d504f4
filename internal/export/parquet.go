package export

import (
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/christian-lee/birdsong/internal/session"
)

type parquetRow struct {
	TimestampMS    int64   `parquet:"timestamp_ms"`
	LowRel         float64 `parquet:"low_rel"`
	MidRel         float64 `parquet:"mid_rel"`
	HighRel        float64 `parquet:"high_rel"`
	Energy         int32   `parquet:"energy"`
	Band           string  `parquet:"band,dict"`
	SpeciesKey     string  `parquet:"species_key,dict"`
	CommonName     string  `parquet:"common_name_es,dict"`
	ScientificName string  `parquet:"scientific_name,dict"`
	Confidence     int32   `parquet:"confidence"`
}

// WriteParquet writes entries to a Parquet file at path.
func WriteParquet(path string, entries []session.Entry) error {
	rows := make([]parquetRow, len(entries))
	for i, e := range entries {
		rows[i] = parquetRow{
			TimestampMS:    e.TimestampMS,
			LowRel:         e.LowRel,
			MidRel:         e.MidRel,
			HighRel:        e.HighRel,
			Energy:         int32(e.Energy),
			Band:           e.Band,
			SpeciesKey:     e.SpeciesKey,
			CommonName:     e.CommonName,
			ScientificName: e.ScientificName,
			Confidence:     int32(e.Confidence),
		}
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}

// ReadParquet loads entries written by WriteParquet.
func ReadParquet(path string) ([]session.Entry, error) {
	rows, err := parquet.ReadFile[parquetRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	entries := make([]session.Entry, len(rows))
	for i, r := range rows {
		entries[i] = session.Entry{
			TimestampMS:    r.TimestampMS,
			LowRel:         r.LowRel,
			MidRel:         r.MidRel,
			HighRel:        r.HighRel,
			Energy:         int(r.Energy),
			Band:           r.Band,
			SpeciesKey:     r.SpeciesKey,
			CommonName:     r.CommonName,
			ScientificName: r.ScientificName,
			Confidence:     int(r.Confidence),
		}
	}
	return entries, nil
}
