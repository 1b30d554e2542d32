// Package history is the append-only patient visit ledger and the archive
// of rendered reports that belongs to it.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRecord       = errors.New("invalid patient record")
	ErrArtifactUnavailable = errors.New("report not available")
	ErrCorruptLedger       = errors.New("corrupt ledger")
)

// DateLayout is the day format used in the ledger and in artifact names.
const DateLayout = "2006-01-02"

const MaxAge = 120

// Record is one ledger row. (Name, VisitDate day) is the identity; names
// are compared byte for byte with no case or whitespace folding.
type Record struct {
	Name         string    `json:"name"`
	Age          int       `json:"age"`
	Observations string    `json:"observations,omitempty"`
	VisitDate    time.Time `json:"-"`
}

// Day truncates t to its calendar date in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date returns the visit day as YYYY-MM-DD.
func (r Record) Date() string {
	return r.VisitDate.Format(DateLayout)
}

// SameVisit reports whether r and o share the ledger key.
func (r Record) SameVisit(o Record) bool {
	return r.Name == o.Name && r.Date() == o.Date()
}

// Validate checks the record before it is rendered or stored.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRecord)
	case strings.ContainsAny(r.Name, `/\`+"\x00\r\n"):
		return fmt.Errorf("%w: name %q contains a path separator or control character", ErrInvalidRecord, r.Name)
	case r.Age < 0 || r.Age > MaxAge:
		return fmt.Errorf("%w: age %d outside 0..%d", ErrInvalidRecord, r.Age, MaxAge)
	case r.VisitDate.IsZero():
		return fmt.Errorf("%w: visit date is required", ErrInvalidRecord)
	}
	return nil
}

// ArtifactName is the file name of the report stored for a visit. It is
// the only join key between ledger rows and stored artifacts.
func ArtifactName(name string, visitDate time.Time) string {
	return strings.ReplaceAll(name, " ", "_") + "_" + visitDate.Format(DateLayout) + ".pdf"
}

// ArtifactName returns the stored report name for r.
func (r Record) ArtifactName() string {
	return ArtifactName(r.Name, r.VisitDate)
}

// Entry is a ledger row as listed to callers, with the availability of
// its stored report checked individually.
type Entry struct {
	Name         string `json:"name"`
	Age          int    `json:"age"`
	Date         string `json:"date"`
	Observations string `json:"observations,omitempty"`
	ArtifactName string `json:"artifact_name"`
	Available    bool   `json:"available"`
	Warning      string `json:"warning,omitempty"`
}

func newEntry(r Record, available bool) Entry {
	e := Entry{
		Name:         r.Name,
		Age:          r.Age,
		Date:         r.Date(),
		Observations: r.Observations,
		ArtifactName: r.ArtifactName(),
		Available:    available,
	}
	if !available {
		e.Warning = ErrArtifactUnavailable.Error()
	}
	return e
}
