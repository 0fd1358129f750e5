package heartbeat

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadAll parses the whole ledger, oldest row first, returning the rows and
// the count of malformed lines skipped. A missing file is an empty ledger,
// not an error. Rotation keeps live files small enough to slurp.
func ReadAll(path string) ([]Row, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open heartbeat ledger: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	var rows []Row
	skipped := 0
	first := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == Columns[0] {
				continue
			}
		}
		row, err := parseRecord(record)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

// Tail returns up to n of the most recent well-formed rows, oldest first,
// plus the malformed-row count. n <= 0 means everything.
func Tail(path string, n int) ([]Row, int, error) {
	rows, skipped, err := ReadAll(path)
	if err != nil {
		return nil, 0, err
	}
	if n > 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return rows, skipped, nil
}
