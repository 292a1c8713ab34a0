package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage twin agents",
}

var agentInitCmd = &cobra.Command{
	Use:   "init <creatorFid>",
	Short: "Create a twin agent for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creatorFid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("creatorFid must be a number: %w", err)
		}
		personality, _ := cmd.Flags().GetString("personality")
		tone, _ := cmd.Flags().GetString("tone")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/agents", map[string]any{
			"creator_fid": creatorFid,
			"personality": personality,
			"tone":        tone,
		})
		if err != nil {
			return err
		}
		var out struct {
			JobID string `json:"job_id"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("initialization queued")
		printStatus("Job", "%s", out.JobID)
		return nil
	},
}

var agentReinitCmd = &cobra.Command{
	Use:   "reinit <creatorFid>",
	Short: "Rebuild an existing twin agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creatorFid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("creatorFid must be a number: %w", err)
		}
		refreshCasts, _ := cmd.Flags().GetBool("refresh-casts")
		refreshReplies, _ := cmd.Flags().GetBool("refresh-replies")
		onlyIndex, _ := cmd.Flags().GetBool("only-index")
		personality, _ := cmd.Flags().GetString("personality")
		tone, _ := cmd.Flags().GetString("tone")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), fmt.Sprintf("/api/agents/%d/reinit", creatorFid), map[string]any{
			"refresh_casts":   refreshCasts,
			"refresh_replies": refreshReplies,
			"only_index":      onlyIndex,
			"personality":     personality,
			"tone":            tone,
		})
		if err != nil {
			return err
		}
		var out struct {
			JobID string `json:"job_id"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("reinitialization queued")
		printStatus("Job", "%s", out.JobID)
		return nil
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status <creatorFid>",
	Short: "Show a twin agent's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creatorFid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("creatorFid must be a number: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/agents/%d", creatorFid))
		if err != nil {
			return err
		}
		var out struct {
			Fid      int64  `json:"fid"`
			Handle   string `json:"handle"`
			Status   string `json:"status"`
			Tone     string `json:"tone"`
			Keywords string `json:"keywords"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printStatus("Handle", "%s", out.Handle)
		printStatus("Fid", "%d", out.Fid)
		printStatus("Status", "%s", out.Status)
		if out.Tone != "" {
			printStatus("Tone", "%s", out.Tone)
		}
		if out.Keywords != "" {
			printStatus("Topics", "%s", out.Keywords)
		}
		return nil
	},
}

var agentAskCmd = &cobra.Command{
	Use:   "ask <creatorFid> <question>",
	Short: "Ask a twin a question",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		creatorFid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("creatorFid must be a number: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), fmt.Sprintf("/api/agents/%d/ask", creatorFid), map[string]any{
			"question": args[1],
		})
		if err != nil {
			return err
		}
		var out struct {
			Answer     string `json:"answer"`
			Confidence string `json:"confidence"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Println(out.Answer)
		if out.Confidence != "" {
			printStatus("Confidence", "%s", out.Confidence)
		}
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show a background job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/jobs/"+args[0])
		if err != nil {
			return err
		}
		var out struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Status    string `json:"status"`
			Progress  int    `json:"progress"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printStatus("Job", "%s (%s)", out.ID, out.Type)
		printStatus("Status", "%s", out.Status)
		printStatus("Progress", "%d%%", out.Progress)
		if out.Attempts > 0 {
			printStatus("Attempts", "%d", out.Attempts)
		}
		if out.LastError != "" {
			printWarning("last error: %s", out.LastError)
		}
		return nil
	},
}

func init() {
	agentInitCmd.Flags().String("personality", "", "personality hint for the twin")
	agentInitCmd.Flags().String("tone", "", "tone fallback when none can be derived")
	agentReinitCmd.Flags().Bool("refresh-casts", false, "discard and refetch stored casts")
	agentReinitCmd.Flags().Bool("refresh-replies", false, "discard and refetch stored replies")
	agentReinitCmd.Flags().Bool("only-index", false, "rebuild the vector index only")
	agentReinitCmd.Flags().String("personality", "", "replacement personality hint")
	agentReinitCmd.Flags().String("tone", "", "replacement tone")
	agentCmd.AddCommand(agentInitCmd)
	agentCmd.AddCommand(agentReinitCmd)
	agentCmd.AddCommand(agentStatusCmd)
	agentCmd.AddCommand(agentAskCmd)
}
