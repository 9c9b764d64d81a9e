package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/gustycube/sensorwatch/internal/analytics"
)

var addressHeader = []string{"address", "requests", "flag", "sensors", "countries", "first_seen"}

// writeAddresses lists every observed address, flagged or not, in first-observation order.
func writeAddresses(w io.Writer, snap *analytics.Snapshot) error {
	flags := make(map[string]analytics.ThreatIndicator, len(snap.Indicators))
	for _, ind := range snap.Indicators {
		flags[ind.Address] = ind
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(addressHeader); err != nil {
		return err
	}
	for _, e := range snap.Addresses.Entries() {
		if e.Key == analytics.Other {
			continue
		}
		rec := []string{e.Key, strconv.FormatInt(e.Count, 10), "", "", "", ""}
		if ind, ok := flags[e.Key]; ok {
			rec[2] = string(ind.Kind)
			rec[3] = strings.Join(ind.Sensors, ";")
			rec[4] = strings.Join(ind.Countries, ";")
			rec[5] = strconv.FormatBool(ind.FirstSeen)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
