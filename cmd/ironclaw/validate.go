package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/allowlist"
	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/credential"
	"github.com/danielsimonjr/ironclaw/internal/ratelimit"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/secrets"
	goutils "github.com/jkaninda/go-utils"
)

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate <module.wasm> <declaration.yaml>",
	Short: "Compile a module and parse its declaration without executing it",
	Long: `Validate compiles the module, checks its exported interface, parses the
capability declaration, and prints the checksum and resolved settings as
JSON. Nothing is executed and nothing is registered.`,
	Args: cobra.ExactArgs(2),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// validateOutcome is the JSON printed for one validated module.
type validateOutcome struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Trust        string   `json:"trust"`
	Checksum     string   `json:"checksum"`
	SizeBytes    int64    `json:"size_bytes"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func runValidate(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("IRONCLAW_CONFIG", validateConfigPath))
	if err != nil {
		return err
	}

	wasm, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading module: %w", err)
	}
	declBytes, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading declaration: %w", err)
	}
	decl, err := capability.ParseDeclaration(declBytes)
	if err != nil {
		return err
	}

	// Validation needs the compiler, not the full serving stack: a
	// minimal engine with inert dependencies compiles and checks the
	// module's exports without touching registry, workspace, or secrets.
	ctx := context.Background()
	engine, err := sandbox.New(ctx,
		sandbox.Config{Engine: cfg.Engine, Rates: cfg.RateLimits},
		sandbox.Deps{
			Validator: allowlist.New(false),
			Limiter:   ratelimit.NewLimiter(0),
			Injector:  credential.NewInjector(secrets.NewResolver(secrets.NewEnvProvider(), nil), nil),
		},
		logger,
	)
	if err != nil {
		return err
	}
	defer engine.Close()

	mod, err := engine.Prepare(ctx, decl.Name, wasm, sandbox.Checksum{})
	if err != nil {
		return err
	}

	out := validateOutcome{
		Name:         decl.Name,
		Version:      decl.Version,
		Trust:        decl.TrustLevel().String(),
		Checksum:     mod.Checksum.String(),
		SizeBytes:    mod.Size,
		Capabilities: decl.Resolve().Summary(),
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
