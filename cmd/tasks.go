package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pkgdrop/pkgdrop/internal/engine/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known download tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		snaps := a.engine.List()
		if len(snaps) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tSIZE")
		for _, snap := range snaps {
			status := string(snap.Status)
			if snap.Status == types.StatusPaused && snap.PauseReason != "" {
				status = fmt.Sprintf("%s (%s)", status, snap.PauseReason)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
				snap.ID[:8], snap.Filename, status,
				snap.Progress()*100, humanize.Bytes(uint64(snap.TotalSize)))
		}
		return w.Flush()
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume a paused download, or all paused downloads",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			a.engine.ResumeAll()
		} else {
			id, err := resolveTaskID(a, args[0])
			if err != nil {
				return err
			}
			if err := a.engine.Resume(id); err != nil {
				return err
			}
		}
		return waitForTasks(cmd, a)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [task-id]",
	Short: "Pause a downloading task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveTaskID(a, args[0])
		if err != nil {
			return err
		}
		if err := a.engine.Pause(id, types.PauseReasonUser); err != nil {
			return err
		}
		waitQuiesced(a, 3*time.Second)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [task-id]",
	Short: "Retry a failed download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveTaskID(a, args[0])
		if err != nil {
			return err
		}
		if err := a.engine.Retry(id); err != nil {
			return err
		}
		return waitForTasks(cmd, a)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm [task-id]",
	Short: "Cancel a download and remove its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveTaskID(a, args[0])
		if err != nil {
			return err
		}
		return a.engine.Remove(id)
	},
}

// resolveTaskID accepts a full task id or a unique prefix of one.
func resolveTaskID(a *app, arg string) (string, error) {
	var match string
	for _, snap := range a.engine.List() {
		if snap.ID == arg {
			return snap.ID, nil
		}
		if len(arg) >= 4 && len(snap.ID) >= len(arg) && snap.ID[:len(arg)] == arg {
			if match != "" {
				return "", fmt.Errorf("task id prefix %q is ambiguous", arg)
			}
			match = snap.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no task matches %q", arg)
	}
	return match, nil
}

// waitForTasks blocks until every non-terminal, non-paused task settles,
// printing progress from the event stream.
func waitForTasks(cmd *cobra.Command, a *app) error {
	go renderEvents(a.engine.Events())

	var failed int
	for _, snap := range a.engine.List() {
		if snap.Status.Terminal() || snap.Status == types.StatusPaused {
			continue
		}
		if err := a.engine.Wait(cmd.Context(), snap.ID); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "Download failed: %v\n", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d download(s) failed", failed)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(listCmd, resumeCmd, pauseCmd, retryCmd, rmCmd)
}
