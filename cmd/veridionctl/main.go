// Command veridionctl is the operator CLI for a running gateway. It
// drives enforcement modes, policy versions, circuit breakers, canary
// rollouts and erasure over the same HTTP surface the dashboards use.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"veridion/pkg/auth"
)

var (
	logFatalf = func(format string, v ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", v...)
		os.Exit(1)
	}
	stdout io.Writer = os.Stdout
)

type ctlClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *ctlClient) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set(auth.HeaderAPIKey, c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

// render pretty-prints a JSON response, falling back to the raw body.
func render(w io.Writer, body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(body)))
		return
	}
	fmt.Fprintln(w, buf.String())
}

func expectOK(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return fmt.Errorf("gateway returned %d: %s", status, strings.TrimSpace(string(body)))
}

func newRootCmd(client *ctlClient, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "veridionctl",
		Short:         "operate a veridion gateway",
		Long:          "Operator CLI for enforcement modes, policies, circuit breakers, canary rollouts and GDPR erasure.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&client.BaseURL, "gateway",
		envOr("VERIDION_GATEWAY_URL", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&client.APIKey, "api-key",
		os.Getenv("VERIDION_API_KEY"), "API key sent as "+auth.HeaderAPIKey)

	root.AddCommand(
		newModeCmd(client, out),
		newPolicyCmd(client, out),
		newRollbackCmd(client, out),
		newBreakerCmd(client, out),
		newCanaryCmd(client, out),
		newShredCmd(client, out),
		newLogsCmd(client, out),
	)
	return root
}

func newModeCmd(client *ctlClient, out io.Writer) *cobra.Command {
	var policyID string
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "inspect or switch the enforcement mode",
	}
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "show the effective enforcement mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/system/enforcement-mode"
			if policyID != "" {
				path += "?policy_id=" + policyID
			}
			body, status, err := client.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	setCmd := &cobra.Command{
		Use:   "set <SHADOW|DRY_RUN|ENFORCING>",
		Short: "switch the enforcement mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := client.do(cmd.Context(), http.MethodPost, "/system/enforcement-mode", map[string]string{
				"enforcement_mode": strings.ToUpper(args[0]),
				"policy_id":        policyID,
			})
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&policyID, "policy", "", "scope to one policy instead of global")
	cmd.AddCommand(getCmd, setCmd)
	return cmd
}

func newPolicyCmd(client *ctlClient, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "manage policy configurations and versions",
	}
	var configJSON, configFile, policyType string
	updateCmd := &cobra.Command{
		Use:   "update <policy-id>",
		Short: "publish a new policy version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(configJSON)
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("read config file: %w", err)
				}
				raw = data
			}
			if len(raw) == 0 {
				return fmt.Errorf("one of --config or --config-file is required")
			}
			if !json.Valid(raw) {
				return fmt.Errorf("config is not valid JSON")
			}
			body, status, err := client.do(cmd.Context(), http.MethodPost, "/policies/"+args[0]+"/config", map[string]any{
				"policy_type": policyType,
				"config":      json.RawMessage(raw),
			})
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	updateCmd.Flags().StringVar(&configJSON, "config", "", "policy config as inline JSON")
	updateCmd.Flags().StringVar(&configFile, "config-file", "", "policy config JSON file")
	updateCmd.Flags().StringVar(&policyType, "type", "", "policy type (default SOVEREIGN_LOCK)")

	var limit int
	versionsCmd := &cobra.Command{
		Use:   "versions <policy-id>",
		Short: "list the version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := client.do(cmd.Context(), http.MethodGet,
				"/policies/"+args[0]+"/versions?limit="+strconv.Itoa(limit), nil)
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	versionsCmd.Flags().IntVar(&limit, "limit", 20, "versions to list")

	cmd.AddCommand(updateCmd, versionsCmd)
	return cmd
}

func newRollbackCmd(client *ctlClient, out io.Writer) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rollback <policy-id> <version>",
		Short: "re-apply an earlier policy version",
		Long:  "Re-applies the snapshot of an earlier version as a fresh version and cancels any in-flight canary. Use --dry-run to preview.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 1 {
				return fmt.Errorf("version must be a positive integer, got %q", args[1])
			}
			body, status, err := client.do(cmd.Context(), http.MethodPost, "/rollback", map[string]any{
				"policy_id":      args[0],
				"target_version": version,
				"dry_run":        dryRun,
			})
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview without applying")
	return cmd
}

func newBreakerCmd(client *ctlClient, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "inspect or override circuit breakers",
	}
	var policyID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "show breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/analytics/circuit-breaker"
			if policyID != "" {
				path += "?policy_id=" + policyID
			}
			body, status, err := client.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	statusCmd.Flags().StringVar(&policyID, "policy", "", "show one policy with its transition history")

	var reason, operator string
	forceCmd := &cobra.Command{
		Use:   "force <policy-id> <CLOSED|OPEN|HALF_OPEN>",
		Short: "force a breaker state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required for a forced transition")
			}
			body, status, err := client.do(cmd.Context(), http.MethodPost,
				"/policies/"+args[0]+"/circuit-breaker/force", map[string]string{
					"state":       strings.ToUpper(args[1]),
					"reason":      reason,
					"operator_id": operator,
				})
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	forceCmd.Flags().StringVar(&reason, "reason", "", "why the override is needed (required)")
	forceCmd.Flags().StringVar(&operator, "operator", "", "operator identity for the audit trail")

	cmd.AddCommand(statusCmd, forceCmd)
	return cmd
}

func newCanaryCmd(client *ctlClient, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canary",
		Short: "stage and watch canary rollouts",
	}
	var candidate, baseline, target int
	var promote, rollback float64
	stageCmd := &cobra.Command{
		Use:   "stage <policy-id>",
		Short: "start ramping a candidate version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if candidate < 1 {
				return fmt.Errorf("--candidate is required")
			}
			body, status, err := client.do(cmd.Context(), http.MethodPost,
				"/policies/"+args[0]+"/canary-config", map[string]any{
					"candidate_version":  candidate,
					"baseline_version":   baseline,
					"target_percentage":  target,
					"promote_threshold":  promote,
					"rollback_threshold": rollback,
				})
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	stageCmd.Flags().IntVar(&candidate, "candidate", 0, "candidate policy version (required)")
	stageCmd.Flags().IntVar(&baseline, "baseline", 0, "baseline version (default: current)")
	stageCmd.Flags().IntVar(&target, "target", 100, "target percentage")
	stageCmd.Flags().Float64Var(&promote, "promote-threshold", 0, "promote at or below this violation rate percent")
	stageCmd.Flags().Float64Var(&rollback, "rollback-threshold", 0, "roll back at or above this violation rate percent")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "show recent deployments with cohort metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := client.do(cmd.Context(), http.MethodGet, "/analytics/canary", nil)
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}

	cmd.AddCommand(stageCmd, statusCmd)
	return cmd
}

func newShredCmd(client *ctlClient, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "shred <seal-id>",
		Short: "destroy the encryption key of a sealed payload",
		Long:  "Crypto-shreds one record for GDPR Art. 17. The audit row survives with its ciphertext permanently undecryptable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := client.do(cmd.Context(), http.MethodPost, "/shred_data",
				map[string]string{"seal_id": args[0]})
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
}

func newLogsCmd(client *ctlClient, out io.Writer) *cobra.Command {
	var agentID, decision, erasure string
	var page, limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "query the compliance audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := make([]string, 0, 5)
			if agentID != "" {
				q = append(q, "agent_id="+agentID)
			}
			if decision != "" {
				q = append(q, "decision="+strings.ToUpper(decision))
			}
			if erasure != "" {
				q = append(q, "erasure_status="+strings.ToUpper(erasure))
			}
			q = append(q, "page="+strconv.Itoa(page), "limit="+strconv.Itoa(limit))
			body, status, err := client.do(cmd.Context(), http.MethodGet, "/logs?"+strings.Join(q, "&"), nil)
			if err != nil {
				return err
			}
			if err := expectOK(status, body); err != nil {
				return err
			}
			render(out, body)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&decision, "decision", "", "filter by enforcement decision")
	cmd.Flags().StringVar(&erasure, "erasure", "", "filter by erasure status")
	cmd.Flags().IntVar(&page, "page", 1, "result page")
	cmd.Flags().IntVar(&limit, "limit", 20, "records per page")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	client := &ctlClient{HTTP: &http.Client{Timeout: 15 * time.Second}}
	root := newRootCmd(client, stdout)
	if err := root.Execute(); err != nil {
		logFatalf("veridionctl: %v", err)
	}
}
