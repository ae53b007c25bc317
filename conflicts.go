package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fridaysync/vaultsync/internal/store"
)

// conflictIDPrefixLen is the number of characters to show for the conflict
// ID in table output. 8 chars is sufficient for uniqueness in typical use.
const conflictIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List the conflict resolution history",
		Long: `Display every hidden-file conflict resolution this vault has recorded,
most recently detected first, including how each was resolved (automatic
three-way JSON merge, or newer-mtime tiebreak).`,
		RunE: runConflicts,
	}
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListConflictHistory(ctx)
	if err != nil {
		return fmt.Errorf("listing conflict history: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No recorded conflicts.")
		return nil
	}

	if flagJSON {
		return printConflictsJSON(records)
	}

	printConflictsTable(records)

	return nil
}

// conflictJSON is the JSON-serializable representation of a conflict
// history entry.
type conflictJSON struct {
	ConflictID string `json:"conflict_id"`
	DocID      string `json:"doc_id"`
	Path       string `json:"path"`
	DetectedAt string `json:"detected_at"`
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by"`
	ResolvedAt string `json:"resolved_at"`
}

func printConflictsJSON(records []store.ConflictRecord) error {
	items := make([]conflictJSON, len(records))
	for i := range records {
		r := &records[i]
		items[i] = conflictJSON{
			ConflictID: r.ConflictID,
			DocID:      r.DocID,
			Path:       r.Path,
			DetectedAt: time.UnixMilli(r.DetectedAt).UTC().Format(time.RFC3339),
			Resolution: r.Resolution,
			ResolvedBy: r.ResolvedBy,
			ResolvedAt: time.UnixMilli(r.ResolvedAt).UTC().Format(time.RFC3339),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printConflictsTable(records []store.ConflictRecord) {
	headers := []string{"ID", "PATH", "RESOLUTION", "RESOLVED BY", "DETECTED"}
	rows := make([][]string, len(records))

	for i := range records {
		r := &records[i]
		idPrefix := r.ConflictID
		if len(idPrefix) > conflictIDPrefixLen {
			idPrefix = idPrefix[:conflictIDPrefixLen]
		}

		detected := time.UnixMilli(r.DetectedAt).UTC().Format(time.RFC3339)

		rows[i] = []string{idPrefix, r.Path, r.Resolution, r.ResolvedBy, detected}
	}

	printTable(os.Stdout, headers, rows)
}
