package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pkgdrop/pkgdrop/internal/engine/events"
	"github.com/pkgdrop/pkgdrop/internal/engine/types"
)

var getCmd = &cobra.Command{
	Use:   "get [url]...",
	Short: "Download one or more package files",
	Long:  `get enqueues downloads for the given URLs and waits for them to finish. Interrupting with Ctrl-C pauses all in-flight downloads; they resume on the next run.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destDir, _ := cmd.Flags().GetString("path")
		productID, _ := cmd.Flags().GetString("product")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if destDir == "" {
			destDir = a.settings.General.DefaultDownloadDir
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		go func() {
			<-sig
			fmt.Fprintln(os.Stderr, "\nPausing downloads, progress is saved")
			a.engine.PauseAll(types.PauseReasonShutdown)
			waitQuiesced(a, 3*time.Second)
			cancel()
		}()

		if a.settings.General.AutoResume {
			a.engine.ResumeAll()
		}

		var ids []string
		for _, url := range args {
			id, err := a.engine.Add(ctx, productID, url, destDir)
			if err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", url, err)
			}
			ids = append(ids, id)
		}

		go renderEvents(a.engine.Events())

		var failed int
		for _, id := range ids {
			if err := a.engine.Wait(ctx, id); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				failed++
				fmt.Fprintf(os.Stderr, "Download failed: %v\n", err)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d download(s) failed", failed)
		}
		return nil
	},
}

// waitQuiesced polls until no task is still downloading, bounded by timeout,
// so pause snapshots reach the registry before the process exits.
func waitQuiesced(a *app, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		busy := false
		for _, snap := range a.engine.List() {
			if snap.Status == types.StatusDownloading {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// renderEvents prints single-line progress updates from the engine's event
// stream until the stream is abandoned.
func renderEvents(ch <-chan any) {
	names := make(map[string]string)
	for msg := range ch {
		switch m := msg.(type) {
		case events.TaskStartedMsg:
			names[m.TaskID] = m.Filename
			fmt.Printf("Downloading %s (%s)\n", m.Filename, humanize.Bytes(uint64(m.Total)))
		case events.TaskProgressMsg:
			if m.Total > 0 {
				fmt.Printf("\r%s: %.1f%% (%s of %s)   ",
					names[m.TaskID],
					float64(m.Downloaded)/float64(m.Total)*100,
					humanize.Bytes(uint64(m.Downloaded)),
					humanize.Bytes(uint64(m.Total)))
			}
		case events.TaskCompletedMsg:
			fmt.Printf("\rCompleted %s (%s in %s)          \n",
				m.Filename, humanize.Bytes(uint64(m.Total)), m.Elapsed.Round(time.Second))
		case events.TaskFailedMsg:
			fmt.Printf("\rFailed %s: %v\n", m.Filename, m.Err)
		case events.TaskPausedMsg:
			fmt.Printf("\rPaused %s at %s (%s)\n",
				names[m.TaskID], humanize.Bytes(uint64(m.Downloaded)), m.Reason)
		}
	}
}

func init() {
	getCmd.Flags().StringP("path", "p", "", "download directory (defaults to the configured download dir)")
	getCmd.Flags().String("product", "", "product id to tag the download with")
	rootCmd.AddCommand(getCmd)
}
