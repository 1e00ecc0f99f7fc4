package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkgdrop/pkgdrop/internal/installer"
)

var installCmd = &cobra.Command{
	Use:   "install [app-dir]",
	Short: "Install a downloaded package through the privileged installer",
	Long:  `install validates the package directory, runs the vendor installer with elevated privilege, and reports streamed progress. A known transient failure triggers one automatic remediation download and retry.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appDir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		source := &installer.EngineSource{
			Engine:       a.engine,
			ManifestPath: filepath.Join(appDir, a.settings.Installer.RemediationManifest),
			DestDir:      appDir,
		}
		orch := installer.New(installer.NewSudoExecutor(), source, a.settings.Installer)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		go func() {
			<-sig
			fmt.Fprintln(os.Stderr, "\nCancelling installation")
			orch.Cancel()
		}()

		err = orch.Install(cmd.Context(), appDir, func(fraction float64, label string) {
			fmt.Printf("\r[%3.0f%%] %s          ", fraction*100, label)
		})
		fmt.Println()

		if err != nil {
			var ierr *installer.InstallError
			if errors.As(err, &ierr) && len(ierr.LogExcerpt) > 0 {
				fmt.Fprintln(os.Stderr, "Installer log:")
				fmt.Fprintln(os.Stderr, "  "+strings.Join(ierr.LogExcerpt, "\n  "))
			}
			return err
		}
		fmt.Println("Installation succeeded.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
