package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardengate/wardengate/internal/adapter/outbound/memory"
	"github.com/wardengate/wardengate/internal/domain/policy"
	"github.com/wardengate/wardengate/internal/service"
)

var checkPolicyContext string

var checkPolicyCmd = &cobra.Command{
	Use:   "check-policy <file>",
	Short: "Validate a policy document offline",
	Long: `Validate a YAML policy document without touching a running gateway.

Every policy is compiled the same way the server compiles it at load
time, so an invalid regex, CIDR, operator, or action fails here exactly
as it would on POST /api/v1/policies.

With --context, the document is additionally evaluated against a JSON
request context and the resulting decision is printed. Policies without
an explicit status are treated as active for the dry run.

Examples:
  wardengate check-policy policies.yaml
  wardengate check-policy policies.yaml --context request.json`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckPolicy,
}

func init() {
	checkPolicyCmd.Flags().StringVar(&checkPolicyContext, "context", "", "JSON request context to evaluate against the document")
	rootCmd.AddCommand(checkPolicyCmd)
}

func runCheckPolicy(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading policy document: %w", err)
	}
	policies, err := service.ParsePolicyDocument(data)
	if err != nil {
		return fmt.Errorf("parsing policy document: %w", err)
	}
	if len(policies) == 0 {
		return fmt.Errorf("%s contains no policies", args[0])
	}

	for i, p := range policies {
		// Dry runs should exercise the rules, not the lifecycle.
		if p.Status == "" {
			p.Status = policy.StatusActive
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %d (%s): %w", i, p.Name, err)
		}
	}
	fmt.Printf("%s: %d policies valid\n", args[0], len(policies))

	if checkPolicyContext == "" {
		return nil
	}

	rc, err := loadRequestContext(checkPolicyContext)
	if err != nil {
		return err
	}

	// Evaluate against an in-memory store so the dry run shares the
	// server's compile and evaluation paths end to end.
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store := memory.NewPolicyStore()
	for i, p := range policies {
		if p.PolicyID == "" {
			p.PolicyID = fmt.Sprintf("check-%d", i)
		}
		if err := store.Create(ctx, p); err != nil {
			return fmt.Errorf("loading policy %s: %w", p.Name, err)
		}
	}
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	evaluator, err := service.NewEvaluator(ctx, store, quiet)
	if err != nil {
		return fmt.Errorf("compiling policy tables: %w", err)
	}

	decision := evaluator.Evaluate(ctx, rc)
	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func loadRequestContext(path string) (*policy.RequestContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request context: %w", err)
	}
	rc := &policy.RequestContext{}
	if err := json.Unmarshal(data, rc); err != nil {
		return nil, fmt.Errorf("parsing request context: %w", err)
	}
	return rc, nil
}
