package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"beacon/internal/config"
)

var (
	serverURL string
	format    string
)

func main() {
	root := &cobra.Command{
		Use:   "beacon",
		Short: "Beacon CLI — query and feed the presence service",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default http://localhost:8080)")
	root.PersistentFlags().StringVar(&format, "format", "table", "output format: table or json")

	root.AddCommand(
		hitCmd(),
		onlineCmd(),
		watchCmd(),
		statusCmd(),
		configValidateCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func getServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if v := os.Getenv("BEACON_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func apiGet(path string) ([]byte, error) {
	resp, err := http.Get(getServerURL() + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func apiPost(path string, payload any) ([]byte, error) {
	data, _ := json.Marshal(payload)
	resp, err := http.Post(getServerURL()+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}
	return b, nil
}

func hitCmd() *cobra.Command {
	var lastActivity int64
	cmd := &cobra.Command{
		Use:   "hit <uid>",
		Short: "Submit a heartbeat for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"uid": args[0]}
			if cmd.Flags().Changed("last-activity") {
				payload["last_activity"] = lastActivity
			}
			resp, err := apiPost("/v1/hit", payload)
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimSpace(string(resp)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&lastActivity, "last-activity", 0, "last activity timestamp (epoch seconds)")
	return cmd
}

type rosterFrame struct {
	TS          int64    `json:"ts"`
	OnlineTotal int      `json:"online_total"`
	ActiveTotal int      `json:"active_total"`
	IdleTotal   int      `json:"idle_total"`
	ActiveUIDs  []string `json:"active_uids"`
	IdleUIDs    []string `json:"idle_uids"`
}

func printRoster(data []byte) error {
	if format == "json" {
		fmt.Println(strings.TrimSpace(string(data)))
		return nil
	}
	var frame rosterFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("parse roster: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tSTATE")
	for _, uid := range frame.ActiveUIDs {
		fmt.Fprintf(w, "%s\tactive\n", uid)
	}
	for _, uid := range frame.IdleUIDs {
		fmt.Fprintf(w, "%s\tidle\n", uid)
	}
	return w.Flush()
}

func onlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "Show who is currently online",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/v1/online")
			if err != nil {
				return err
			}
			return printRoster(data)
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream roster updates from the server (SSE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(getServerURL() + "/sse/online")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "data: ") {
					fmt.Println(line[6:])
				}
			}
			return scanner.Err()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show presence service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/v1/online")
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(strings.TrimSpace(string(data)))
				return nil
			}
			var frame rosterFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				return fmt.Errorf("parse roster: %w", err)
			}
			fmt.Println("Beacon Presence Service")
			fmt.Printf("  Online: %d (%d active, %d idle)\n", frame.OnlineTotal, frame.ActiveTotal, frame.IdleTotal)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config validate <file>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Println("OK")
			return nil
		},
	}
}
