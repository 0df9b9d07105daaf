package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ianhi/screenshot-bridge/internal/config"
)

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored screenshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		status, _ := cmd.Flags().GetString("status")
		query, _ := cmd.Flags().GetString("query")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("project", project)
		params.Set("limit", fmt.Sprintf("%d", limit))
		if status != "" {
			params.Set("status", status)
		}
		if query != "" {
			params.Set("q", query)
		}

		resp, err := client.get(cmd.Context(), "/api/screenshots?"+params.Encode())
		if err != nil {
			return err
		}

		var envelope struct {
			Screenshots []struct {
				ID          string `json:"id"`
				Prompt      string `json:"prompt"`
				Description string `json:"description"`
				Status      string `json:"status"`
				Source      string `json:"source"`
				CreatedAt   string `json:"created_at"`
			} `json:"screenshots"`
			Total int `json:"total"`
		}
		if err := decodeJSON(resp, &envelope); err != nil {
			return err
		}

		if len(envelope.Screenshots) == 0 {
			fmt.Println("No screenshots found.")
			return nil
		}

		for _, s := range envelope.Screenshots {
			label := s.Prompt
			if s.Description != "" {
				label = s.Description
			}
			if len(label) > 60 {
				label = label[:60] + "..."
			}
			fmt.Printf("%s  %-9s  %-5s  %s  %s\n",
				colorize(colorCyan, s.ID[:8]),
				s.Status,
				s.Source,
				s.CreatedAt,
				label,
			)
		}
		if envelope.Total > len(envelope.Screenshots) {
			fmt.Printf("(%d of %d)\n", len(envelope.Screenshots), envelope.Total)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("project", "default", "project to list")
	listCmd.Flags().String("status", "", "filter by status (pending or delivered)")
	listCmd.Flags().String("query", "", "substring to match in prompt or description")
	listCmd.Flags().Int("limit", 20, "maximum number of screenshots to list")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single screenshot's metadata as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/screenshots/"+args[0])
		if err != nil {
			return err
		}

		var meta any
		if err := decodeJSON(resp, &meta); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	},
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Upload an image file as a screenshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		prompt, _ := cmd.Flags().GetString("prompt")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if prompt == "" {
			prompt = args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"image":   base64.StdEncoding.EncodeToString(data),
			"project": project,
			"prompt":  prompt,
		}
		resp, err := client.post(cmd.Context(), "/api/screenshots", req)
		if err != nil {
			return err
		}

		var meta struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &meta); err != nil {
			return err
		}

		printSuccess("Stored screenshot %s", meta.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("project", "default", "project to store the screenshot under")
	sendCmd.Flags().String("prompt", "", "note to attach (defaults to the file name)")
}

// --- describe ---

var describeCmd = &cobra.Command{
	Use:   "describe <id> <description>",
	Short: "Set a screenshot's description",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		description := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/api/screenshots/"+id, map[string]string{
			"description": description,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Updated %s", id)
		return nil
	},
}

// --- delete / purge ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a screenshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/screenshots/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all screenshots in a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL screenshots in project %q. Use --confirm to proceed.", project)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/screenshots?project="+url.QueryEscape(project))
		if err != nil {
			return err
		}

		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %d screenshots from %q", result.Deleted, project)
		return nil
	},
}

func init() {
	purgeCmd.Flags().String("project", "default", "project to purge")
	purgeCmd.Flags().Bool("confirm", false, "confirm deletion")
}

// --- render ---

var renderCmd = &cobra.Command{
	Use:   "render <instructions>",
	Short: "Ask a connected display surface to render an image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		timeoutMS, _ := cmd.Flags().GetInt("timeout-ms")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"instructions": strings.Join(args, " "),
			"project":      project,
		}
		if timeoutMS > 0 {
			req["timeout_ms"] = timeoutMS
		}

		resp, err := client.post(cmd.Context(), "/api/render", req)
		if err != nil {
			return err
		}

		var meta struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &meta); err != nil {
			return err
		}

		printSuccess("Rendered screenshot %s", meta.ID)
		return nil
	},
}

func init() {
	renderCmd.Flags().String("project", "default", "project to store the render under")
	renderCmd.Flags().Int("timeout-ms", 0, "render timeout in milliseconds (0 = server default)")
}

// --- projects ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List known projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/projects")
		if err != nil {
			return err
		}

		var result struct {
			Projects []string `json:"projects"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Projects) == 0 {
			fmt.Println("No projects yet.")
			return nil
		}
		for _, p := range result.Projects {
			fmt.Println(p)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, kv := range configKeys(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, kv[0]), kv[1])
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(config.Path())
		return nil
	},
}

func configKeys(cfg config.Config) [][2]string {
	return [][2]string{
		{"server.port", fmt.Sprintf("%d", cfg.Server.Port)},
		{"storage.data_dir", cfg.Storage.DataDir},
		{"image.max_dimension", fmt.Sprintf("%d", cfg.Image.MaxDimension)},
		{"image.max_base64_kb", fmt.Sprintf("%d", cfg.Image.MaxBase64KB)},
		{"image.start_quality", fmt.Sprintf("%d", cfg.Image.StartQuality)},
		{"image.min_quality", fmt.Sprintf("%d", cfg.Image.MinQuality)},
		{"image.quality_step", fmt.Sprintf("%d", cfg.Image.QualityStep)},
		{"render.timeout_ms", fmt.Sprintf("%d", cfg.Render.TimeoutMS)},
		{"log.level", cfg.Log.Level},
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
