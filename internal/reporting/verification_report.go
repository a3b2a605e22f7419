package reporting

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/certificate"
)

// VerificationEntry is the verdict for one certificate.
type VerificationEntry struct {
	CertificateID string    `json:"certificate_id"`
	DeviceID      string    `json:"device_id"`
	Serial        string    `json:"serial"`
	Standard      string    `json:"standard"`
	Method        string    `json:"method"`
	IssuedAt      time.Time `json:"issued_at"`
	KeyID         string    `json:"key_id"`
	Valid         bool      `json:"valid"`
	Reason        string    `json:"reason,omitempty"`
}

// VerificationReport lists verdicts for a batch of certificates.
type VerificationReport struct {
	GeneratedAt time.Time           `json:"generated_at"`
	VerifierKey string              `json:"verifier_key"`
	Total       int                 `json:"total"`
	Valid       int                 `json:"valid"`
	Invalid     int                 `json:"invalid"`
	Entries     []VerificationEntry `json:"entries"`
}

// GenerateVerificationReport checks every certificate against v.
func GenerateVerificationReport(certs []*certificate.Certificate, v *certificate.Verifier) *VerificationReport {
	report := &VerificationReport{
		GeneratedAt: time.Now().UTC(),
		VerifierKey: v.NoteVerifierKey(),
		Total:       len(certs),
		Entries:     make([]VerificationEntry, 0, len(certs)),
	}
	for _, c := range certs {
		verdict := certificate.VerifyWith(c, v)
		report.Entries = append(report.Entries, VerificationEntry{
			CertificateID: c.ID,
			DeviceID:      c.DeviceSnapshot.ID,
			Serial:        c.DeviceSnapshot.Serial,
			Standard:      c.WipeSummary.Standard,
			Method:        c.WipeSummary.Method,
			IssuedAt:      c.IssuedAt,
			KeyID:         c.Signature.KeyID,
			Valid:         verdict.Valid,
			Reason:        verdict.Reason,
		})
		if verdict.Valid {
			report.Valid++
		} else {
			report.Invalid++
		}
	}
	return report
}

// WriteVerificationReport renders report as json or csv.
func WriteVerificationReport(w io.Writer, report *VerificationReport, format string) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(report), "encode verification report")
	case "csv":
		return writeVerificationCSV(w, report)
	default:
		return errors.Newf("unsupported report format: %s", format)
	}
}

func writeVerificationCSV(w io.Writer, report *VerificationReport) error {
	cw := csv.NewWriter(w)
	rows := [][]string{{"certificate_id", "device_id", "serial", "standard", "method", "issued_at", "key_id", "valid", "reason"}}
	for _, e := range report.Entries {
		rows = append(rows, []string{
			e.CertificateID,
			e.DeviceID,
			e.Serial,
			e.Standard,
			e.Method,
			e.IssuedAt.Format(time.RFC3339),
			e.KeyID,
			strconv.FormatBool(e.Valid),
			e.Reason,
		})
	}
	if err := cw.WriteAll(rows); err != nil {
		return errors.Wrap(err, "write verification csv")
	}
	return nil
}
