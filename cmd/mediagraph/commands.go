package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/mediagraph/internal/config"
)

// --- graph ---

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Manage generation graphs",
}

var graphListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored graphs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/graphs")
		if err != nil {
			return err
		}

		var result struct {
			Graphs []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				UpdatedAt string `json:"updatedAt"`
			} `json:"graphs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Graphs) == 0 {
			fmt.Println("No graphs found.")
			return nil
		}

		for _, g := range result.Graphs {
			name := g.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, g.ID), g.UpdatedAt, name)
		}
		return nil
	},
}

var graphShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a graph as JSON, with media hydrated to data URLs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/graphs/"+args[0])
		if err != nil {
			return err
		}

		var g any
		if err := decodeJSON(resp, &g); err != nil {
			return err
		}

		var writer *os.File
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		} else {
			writer = os.Stdout
		}

		enc := json.NewEncoder(writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(g); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Graph exported to %s", output)
		}
		return nil
	},
}

var graphCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a graph from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		name, _ := cmd.Flags().GetString("name")
		if file == "" {
			return fmt.Errorf("--file is required")
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		var g json.RawMessage
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/graphs", map[string]any{
			"name":  name,
			"graph": g,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Created graph %s", result["id"])
		return nil
	},
}

var graphDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a graph and its media",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/graphs/"+args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		printSuccess("Deleted graph %s", args[0])
		return nil
	},
}

var graphRunCmd = &cobra.Command{
	Use:   "run <graph-id> <node-id>",
	Short: "Run a node and wait for it to settle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		graphID, nodeID := args[0], args[1]
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/graphs/%s/nodes/%s/run", graphID, nodeID)
		resp, err := client.post(cmd.Context(), path, map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printStep("Node %s is %s", nodeID, result["status"])

		if !wait {
			return nil
		}

		statusPath := fmt.Sprintf("/v1/graphs/%s/nodes/%s/status", graphID, nodeID)
		for {
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(time.Second):
			}

			resp, err := client.get(cmd.Context(), statusPath)
			if err != nil {
				return err
			}
			var st map[string]string
			if err := decodeJSON(resp, &st); err != nil {
				return err
			}
			switch st["status"] {
			case "completed":
				printSuccess("Node %s completed", nodeID)
				return nil
			case "error":
				printError("Node %s failed: %s", nodeID, st["error"])
				return fmt.Errorf("node failed")
			case "idle":
				printWarning("Node %s returned to idle (cancelled)", nodeID)
				return nil
			}
		}
	},
}

var graphStatusCmd = &cobra.Command{
	Use:   "status <graph-id> <node-id>",
	Short: "Show a node's task status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/graphs/%s/nodes/%s/status", args[0], args[1])
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var st map[string]string
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Status", "%s", st["status"])
		if st["error"] != "" {
			printStatus("Error", "%s", st["error"])
		}
		return nil
	},
}

var graphCancelCmd = &cobra.Command{
	Use:   "cancel <graph-id> <node-id>",
	Short: "Cancel a node's running task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/graphs/%s/nodes/%s/cancel", args[0], args[1])
		resp, err := client.post(cmd.Context(), path, map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Node %s is %s", args[1], result["status"])
		return nil
	},
}

func init() {
	graphShowCmd.Flags().String("output", "", "output file path (default: stdout)")
	graphCreateCmd.Flags().String("file", "", "path to graph JSON file")
	graphCreateCmd.Flags().String("name", "", "graph name")
	graphRunCmd.Flags().Bool("wait", true, "poll until the task settles")

	graphCmd.AddCommand(graphListCmd)
	graphCmd.AddCommand(graphShowCmd)
	graphCmd.AddCommand(graphCreateCmd)
	graphCmd.AddCommand(graphDeleteCmd)
	graphCmd.AddCommand(graphRunCmd)
	graphCmd.AddCommand(graphStatusCmd)
	graphCmd.AddCommand(graphCancelCmd)
}

// --- media ---

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Manage stored media assets",
}

var mediaFetchCmd = &cobra.Command{
	Use:   "fetch <id>",
	Short: "Download a media asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			return fmt.Errorf("--output is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/media/"+args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()

		n, err := io.Copy(f, resp.Body)
		if err != nil {
			return err
		}

		printSuccess("Wrote %d bytes to %s (%s)", n, output, resp.Header.Get("Content-Type"))
		return nil
	},
}

var mediaGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove orphaned media older than the age threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetInt("max-age-hours")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/media/gc", map[string]any{
			"maxAgeHours": maxAge,
		})
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d orphaned assets", result["removed"])
		return nil
	},
}

func init() {
	mediaFetchCmd.Flags().String("output", "", "output file path")
	mediaGCCmd.Flags().Int("max-age-hours", 720, "minimum age of orphaned assets to remove")

	mediaCmd.AddCommand(mediaFetchCmd)
	mediaCmd.AddCommand(mediaGCCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
