package main

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fridaysync/vaultsync/internal/config"
	"github.com/fridaysync/vaultsync/internal/docid"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this vault's sync status",
		Long: `Display whether a sync --watch daemon is running against this vault,
whether it is paused, and counts of entries tracked in the local database.`,
		RunE: runStatus,
	}
}

// statusOutput is the JSON/text schema for the status command.
type statusOutput struct {
	Vault           string `json:"vault"`
	Paused          bool   `json:"paused"`
	DaemonRunning   bool   `json:"daemon_running"`
	DaemonPID       int    `json:"daemon_pid,omitempty"`
	NormalEntries   int    `json:"normal_entries"`
	HiddenEntries   int    `json:"hidden_entries"`
	ConflictHistory int    `json:"conflict_history"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	out := statusOutput{Vault: cc.Vault}

	paused, err := st.KV().IsPaused(ctx)
	if err != nil {
		return fmt.Errorf("reading paused flag: %w", err)
	}

	out.Paused = paused

	if pid, running := daemonStatus(config.PIDFilePath(cc.Vault)); running {
		out.DaemonRunning = true
		out.DaemonPID = pid
	}

	ids, err := st.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing database entries: %w", err)
	}

	for _, id := range ids {
		switch {
		case docid.IsChunkID(id), docid.IsReservedID(id):
			continue
		case docid.IsHiddenID(id):
			out.HiddenEntries++
		default:
			out.NormalEntries++
		}
	}

	records, err := st.ListConflictHistory(ctx)
	if err != nil {
		return fmt.Errorf("listing conflict history: %w", err)
	}

	out.ConflictHistory = len(records)

	if flagJSON {
		return printStatusJSON(&out)
	}

	printStatusText(&out)

	return nil
}

// daemonStatus reports whether the PID recorded at pidPath belongs to a
// live process.
func daemonStatus(pidPath string) (pid int, running bool) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return 0, false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	return pid, true
}

func printStatusJSON(out *statusOutput) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(out *statusOutput) {
	fmt.Printf("Vault:       %s\n", out.Vault)

	state := "running"
	if out.Paused {
		state = "paused"
	}

	fmt.Printf("State:       %s\n", state)

	if out.DaemonRunning {
		fmt.Printf("Daemon:      running (PID %d)\n", out.DaemonPID)
	} else {
		fmt.Println("Daemon:      not running")
	}

	fmt.Printf("Entries:     %d normal, %d hidden\n", out.NormalEntries, out.HiddenEntries)
	fmt.Printf("Conflicts:   %d recorded\n", out.ConflictHistory)
}
