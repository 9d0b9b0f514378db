package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/audit"
	"github.com/ppiankov/toolwarden/internal/integrity"
	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/store"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := doctorChecks(policyPath, storePath, journalPath)
	if !printChecks(cmd.OutOrStdout(), checks) {
		return exitError{code: 1}
	}
	return nil
}

func doctorChecks(policyFile, storeFile, journalFile string) []checkResult {
	var checks []checkResult

	// 1. Binary location, version and checksum.
	switch r, err := integrity.VerifySelf(); {
	case errors.Is(err, integrity.ErrMismatch):
		checks = append(checks, checkResult{label: "toolwarden binary", detail: fmt.Sprintf("%s checksum mismatch (got %s)", r.Binary, r.Short()), fix: "reinstall toolwarden"})
	case err != nil:
		checks = append(checks, checkResult{label: "toolwarden binary", detail: err.Error()})
	default:
		checks = append(checks, checkResult{label: "toolwarden binary", ok: true, detail: fmt.Sprintf("%s (v%s, %s %s)", r.Binary, version, r.Status, r.Short())})
	}

	// 2. Policy.
	p, res, err := policy.Load(policyFile)
	switch {
	case err != nil:
		checks = append(checks, checkResult{label: "policy", detail: "missing", fix: "toolwarden init"})
	case !res.Valid:
		checks = append(checks, checkResult{label: "policy", detail: res.Summary(), fix: "toolwarden validate " + policyFile})
	default:
		detail := p.Hash
		if n := len(res.Warnings); n > 0 {
			detail += fmt.Sprintf(" (%d warning(s))", n)
		}
		checks = append(checks, checkResult{label: "policy", ok: true, detail: detail})
	}

	// 3. State store.
	if st, err := store.Open(storeFile); err != nil {
		checks = append(checks, checkResult{label: "state store", detail: err.Error()})
	} else {
		st.Close()
		checks = append(checks, checkResult{label: "state store", ok: true, detail: storeFile})
	}

	// 4. Journal chain.
	if journalFile == "" {
		checks = append(checks, checkResult{label: "journal", ok: true, detail: "disabled"})
	} else if _, err := os.Stat(journalFile); err != nil {
		checks = append(checks, checkResult{label: "journal", ok: true, detail: "not created yet"})
	} else if vr := audit.Verify(journalFile); vr.Valid {
		checks = append(checks, checkResult{label: "journal", ok: true, detail: fmt.Sprintf("%d entries, chain intact", vr.Lines)})
	} else {
		checks = append(checks, checkResult{label: "journal", detail: fmt.Sprintf("broken at line %d: %s", vr.ErrorLine, vr.Error), fix: "toolwarden audit verify"})
	}

	return checks
}

// printChecks prints one line per check and reports whether all passed.
func printChecks(w io.Writer, checks []checkResult) bool {
	allOK := true
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			allOK = false
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	if !allOK {
		fmt.Fprintln(w, "Some checks failed. Run the suggested commands to fix.")
		return false
	}
	fmt.Fprintln(w, "All checks passed.")
	return true
}
