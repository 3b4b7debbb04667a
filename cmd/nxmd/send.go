package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var sendAddr string

var sendCmd = &cobra.Command{
	Use:   "send <nxm-url>",
	Short: "Forward an nxm:// URL to the running daemon",
	Long: `Forward an nxm:// URL to the running daemon.

Register this command as the system handler for the nxm:// scheme so that
"Download with manager" buttons on the site reach the daemon.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAddr, "addr", "127.0.0.1:6580", "daemon listen address")
}

func runSend(cmd *cobra.Command, args []string) error {
	payload, err := json.Marshal(map[string]string{"url": args[0]})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post("http://"+sendAddr+"/nxm", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s, is it running? (%w)", sendAddr, err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("unexpected response from daemon: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("daemon rejected the url: %s", body["error"])
	}

	fmt.Printf("queued download %s\n", body["download_id"])
	return nil
}
