package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"wipecert_enterprise/internal/app"
	"wipecert_enterprise/internal/certificate"
	"wipecert_enterprise/internal/reporting"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "List, show, verify and export erasure certificates",
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	Args:  cobra.NoArgs,
	RunE:  runCertsList,
}

var certsShowCmd = &cobra.Command{
	Use:   "show <certificate-id>",
	Short: "Print a certificate as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsShow,
}

var certsVerifyCmd = &cobra.Command{
	Use:   "verify [certificate-id]...",
	Short: "Verify certificates (all when no id is given)",
	RunE:  runCertsVerify,
}

var certsExportCmd = &cobra.Command{
	Use:   "export <certificate-id>",
	Short: "Export the canonical signed payload, or a signed note",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsExport,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the signing identity",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the signing identity if it does not exist",
	Args:  cobra.NoArgs,
	RunE:  runKeysInit,
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public identity certificate",
	Args:  cobra.NoArgs,
	RunE:  runKeysShow,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the issuance ledger",
}

var ledgerCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Print the latest signed checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runLedgerCheckpoint,
}

var ledgerProveCmd = &cobra.Command{
	Use:   "prove <certificate-id>",
	Short: "Print and check the inclusion proof of a certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerProve,
}

func init() {
	certsVerifyCmd.Flags().String("identity", "", "Verify offline against this identity certificate (PEM)")
	certsVerifyCmd.Flags().String("report", "", "Write a verification report to this file")
	certsVerifyCmd.Flags().String("format", "json", "Report format (json/csv)")

	certsExportCmd.Flags().Bool("note", false, "Export as a signed note")
	certsExportCmd.Flags().StringP("out", "o", "", "Write to a file instead of stdout")

	keysShowCmd.Flags().Bool("verifier-key", false, "Print the note verifier key instead of the PEM certificate")

	certsCmd.AddCommand(certsListCmd, certsShowCmd, certsVerifyCmd, certsExportCmd)
	keysCmd.AddCommand(keysInitCmd, keysShowCmd)
	ledgerCmd.AddCommand(ledgerCheckpointCmd, ledgerProveCmd)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode output")
}

func runCertsList(cmd *cobra.Command, args []string) error {
	store, err := certificate.OpenStore(cfg.Certification.CertDir)
	if err != nil {
		return err
	}
	certs, err := store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d certificate(s) in %s\n", len(certs), store.Dir())
	for _, c := range certs {
		fmt.Fprintf(out, "%s  %s  %-10s %-14s %-16s %s\n",
			c.ID, c.IssuedAt.Format("2006-01-02 15:04:05"), c.DeviceSnapshot.ID,
			c.DeviceSnapshot.Serial, c.WipeSummary.Standard, c.WipeSummary.Method)
	}
	return nil
}

func runCertsShow(cmd *cobra.Command, args []string) error {
	store, err := certificate.OpenStore(cfg.Certification.CertDir)
	if err != nil {
		return err
	}
	c, err := store.Get(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), c)
}

// verifier picks the identity to check against: a PEM file for offline use,
// otherwise the local signing identity.
func verifier(cmd *cobra.Command) (*certificate.Verifier, error) {
	if path, _ := cmd.Flags().GetString("identity"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read identity %s", path)
		}
		return certificate.ParseIdentity(data)
	}
	keys := certificate.NewKeyManager(cfg.Certification.KeyDir, cfg.IdentityValidity(), logger)
	id, err := keys.LoadOrCreate(cmd.Context())
	if err != nil {
		return nil, err
	}
	return id.Verifier(), nil
}

func runCertsVerify(cmd *cobra.Command, args []string) error {
	store, err := certificate.OpenStore(cfg.Certification.CertDir)
	if err != nil {
		return err
	}
	v, err := verifier(cmd)
	if err != nil {
		return err
	}

	var certs []*certificate.Certificate
	if len(args) == 0 {
		if certs, err = store.List(); err != nil {
			return err
		}
	}
	for _, id := range args {
		c, err := store.Get(id)
		if err != nil {
			return err
		}
		certs = append(certs, c)
	}

	report := reporting.GenerateVerificationReport(certs, v)
	out := cmd.OutOrStdout()
	for _, e := range report.Entries {
		if e.Valid {
			fmt.Fprintf(out, "✓ %s %s valid\n", e.CertificateID, e.DeviceID)
		} else {
			fmt.Fprintf(out, "✗ %s %s INVALID: %s\n", e.CertificateID, e.DeviceID, e.Reason)
		}
	}
	fmt.Fprintf(out, "\n%d checked, %d valid, %d invalid\n", report.Total, report.Valid, report.Invalid)

	if path, _ := cmd.Flags().GetString("report"); path != "" {
		format, _ := cmd.Flags().GetString("format")
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "create %s", path)
		}
		werr := reporting.WriteVerificationReport(f, report, format)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return werr
		}
		fmt.Fprintf(out, "Report: %s\n", path)
	}

	if report.Invalid > 0 {
		return &exitError{code: app.ExitError, err: errors.Newf("%d certificate(s) failed verification", report.Invalid)}
	}
	return nil
}

func runCertsExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}

	var data []byte
	if asNote, _ := cmd.Flags().GetBool("note"); asNote {
		data, err = a.ExportCertificateNote(cmd.Context(), args[0])
	} else {
		data, err = a.ExportCertificate(args[0])
		data = append(data, '\n')
	}
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("out"); path != "" {
		return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runKeysInit(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	id, err := a.Identity(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key directory: %s\n", a.Keys().Dir())
	fmt.Fprintf(out, "Key id:        %s\n", id.KeyID)
	fmt.Fprintf(out, "Valid until:   %s\n", id.Certificate.NotAfter.Format("2006-01-02"))
	fmt.Fprintf(out, "Verifier key:  %s\n", id.Verifier().NoteVerifierKey())
	return nil
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	if vk, _ := cmd.Flags().GetBool("verifier-key"); vk {
		id, err := a.Identity(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.Verifier().NoteVerifierKey())
		return nil
	}
	pemBytes, err := a.IdentityPEM(cmd.Context())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(pemBytes)
	return err
}

func runLedgerCheckpoint(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	cp, err := a.Checkpoint(cmd.Context())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(cp)
	return err
}

func runLedgerProve(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	proof, cp, err := a.ProveCertificate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), proof); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Verified: leaf %d of %d in %s\n", proof.LeafIndex, cp.Size, cp.Origin)
	return nil
}
