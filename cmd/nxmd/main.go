// nxmd is a headless mod-management daemon for Stardew Valley. It accepts
// nxm:// protocol URLs, downloads the archives from Nexus Mods, installs them
// into the game's Mods directory and keeps an installed-mod registry in sync
// with what is actually on disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "nxmd",
	Short:        "Headless Nexus mod manager daemon for Stardew Valley",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, sendCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
