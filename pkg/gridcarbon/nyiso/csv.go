package nyiso

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

// timestampLayout matches NYISO timestamps like "01/15/2024 00:05:00",
// which carry no offset and are local to the grid's timezone.
const timestampLayout = "01/02/2006 15:04:05"

const (
	columnTimestamp = "Time Stamp"
	columnFuel      = "Fuel Category"
	columnGenMW     = "Gen MW"
)

// parseCSV parses NYISO fuel mix CSV content. The file has one row per
// (timestamp, fuel category) pair; rows sharing a timestamp are grouped into
// one FuelMix. Unparseable rows are skipped with a debug log so one bad row
// cannot discard a day of data. An empty body yields no mixes.
func parseCSV(r io.Reader, loc *time.Location) ([]carbon.FuelMix, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %v", err)
	}

	columns := map[string]int{}
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	tsCol, ok := columns[columnTimestamp]
	if !ok {
		return nil, fmt.Errorf("missing column %q", columnTimestamp)
	}
	fuelCol, ok := columns[columnFuel]
	if !ok {
		return nil, fmt.Errorf("missing column %q", columnFuel)
	}
	genCol, ok := columns[columnGenMW]
	if !ok {
		return nil, fmt.Errorf("missing column %q", columnGenMW)
	}
	width := tsCol
	for _, col := range []int{fuelCol, genCol} {
		if col > width {
			width = col
		}
	}

	type group struct {
		ts    string
		fuels []carbon.FuelGeneration
	}
	byTimestamp := map[string]int{}
	var groups []group

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			klog.V(4).InfoS("Skipping unreadable CSV row", "error", err)
			continue
		}
		if len(record) <= width {
			klog.V(4).InfoS("Skipping short CSV row", "fields", len(record))
			continue
		}

		ts := strings.TrimSpace(record[tsCol])
		label := strings.TrimSpace(record[fuelCol])
		if ts == "" || label == "" {
			continue
		}

		fuel, err := carbon.ParseFuelCategory(label)
		if err != nil {
			klog.V(4).InfoS("Skipping row with unknown fuel", "fuel", label, "error", err)
			continue
		}
		gen, err := strconv.ParseFloat(strings.TrimSpace(record[genCol]), 64)
		if err != nil {
			klog.V(4).InfoS("Skipping row with unparseable generation",
				"fuel", label, "value", record[genCol])
			continue
		}

		idx, seen := byTimestamp[ts]
		if !seen {
			idx = len(groups)
			byTimestamp[ts] = idx
			groups = append(groups, group{ts: ts})
		}
		groups[idx].fuels = append(groups[idx].fuels, carbon.FuelGeneration{
			Fuel:         fuel,
			GenerationMW: gen,
		})
	}

	mixes := make([]carbon.FuelMix, 0, len(groups))
	for _, g := range groups {
		ts, err := time.ParseInLocation(timestampLayout, g.ts, loc)
		if err != nil {
			klog.V(4).InfoS("Skipping interval with unparseable timestamp", "timestamp", g.ts)
			continue
		}
		mixes = append(mixes, carbon.NewFuelMix(ts, g.fuels))
	}
	sort.Slice(mixes, func(i, j int) bool {
		return mixes[i].Timestamp().Before(mixes[j].Timestamp())
	})
	return mixes, nil
}
