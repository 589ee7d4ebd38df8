// internal/evidence/kind.go
package evidence

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/signalnine/cellwatch/internal/device"
	"github.com/signalnine/cellwatch/internal/fault"
)

// Kind names a downloadable artifact of a recording
type Kind string

const (
	RawLog         Kind = "raw-log"
	PacketCapture  Kind = "packet-capture"
	BundledArchive Kind = "bundled-archive"
	GPSCSV         Kind = "gps-csv"
	GPSJSON        Kind = "gps-json"
	GPSGPX         Kind = "gps-gpx"
)

type kindInfo struct {
	template string // %s is the escaped recording id
	ext      string
}

var kinds = map[Kind]kindInfo{
	RawLog:         {"/api/qmdl/%s.qmdl", ".qmdl"},
	PacketCapture:  {"/api/pcap/%s.pcapng", ".pcapng"},
	BundledArchive: {"/api/zip/%s.zip", ".zip"},
	GPSCSV:         {"/api/gps/%s/csv", ".gps.csv"},
	GPSJSON:        {"/api/gps/%s/json", ".gps.json"},
	GPSGPX:         {"/api/gps/%s/gpx", ".gpx"},
}

// Kinds lists the known artifact kinds
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind accepts a kind name, plus the device's own short names
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw-log", "qmdl":
		return RawLog, nil
	case "packet-capture", "pcap", "pcapng":
		return PacketCapture, nil
	case "bundled-archive", "zip":
		return BundledArchive, nil
	case "gps-csv":
		return GPSCSV, nil
	case "gps-json":
		return GPSJSON, nil
	case "gps-gpx", "gpx":
		return GPSGPX, nil
	}
	return "", fault.Invalid("parse artifact kind", "unknown artifact kind %q", s)
}

// Path returns the device path of this artifact for a recording
func (k Kind) Path(id string) (string, error) {
	const op = "retrieve evidence"
	info, ok := kinds[k]
	if !ok {
		return "", fault.Invalid(op, "unknown artifact kind %q", string(k))
	}
	if err := device.ValidateRecordingID(op, id); err != nil {
		return "", err
	}
	return fmt.Sprintf(info.template, url.PathEscape(id)), nil
}

// FileName is the default local file name for this artifact
func (k Kind) FileName(id string) string {
	return id + kinds[k].ext
}
