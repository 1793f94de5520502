// certd issues academic certificates as Merkle batches anchored in an
// on-chain registry, and answers verification queries for them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/certchain/api"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/config"
	"github.com/colorfulnotion/certchain/document"
	"github.com/colorfulnotion/certchain/issuance"
	"github.com/colorfulnotion/certchain/log"
	"github.com/colorfulnotion/certchain/telemetry"
	"github.com/spf13/cobra"
)

// globalFlags override the config file and environment.
type globalFlags struct {
	configPath string
	dataDir    string
	listen     string
	logLevel   string
	debug      string
	chainMode  string
	apiURL     string
	token      string
}

func (f *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if flags.Changed("listen") {
		cfg.Listen = f.listen
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("debug") {
		cfg.Log.Modules = f.debug
	}
	if flags.Changed("chain-mode") {
		cfg.Chain.Mode = f.chainMode
	}
	if flags.Changed("token") {
		cfg.AdminToken = f.token
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (f *globalFlags) client(cfg *config.Config) *apiClient {
	base := f.apiURL
	if base == "" {
		base = cfg.Listen
	}
	return newAPIClient(base, cfg.AdminToken)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var gf globalFlags
	rootCmd := &cobra.Command{
		Use:          "certd",
		Short:        "Certificate issuance and verification daemon",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&gf.configPath, "config", "c", "", "YAML config file")
	pf.StringVarP(&gf.dataDir, "data-dir", "d", "", "Data directory")
	pf.StringVar(&gf.listen, "listen", "", "API listen address")
	pf.StringVar(&gf.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&gf.debug, "debug", "", "Debug modules to enable (issue_mod,verify_mod,chain_mod,store_mod,api_mod or all)")
	pf.StringVar(&gf.chainMode, "chain-mode", "", "Registry mode (simulated, rpc)")
	pf.StringVar(&gf.apiURL, "api", "", "certd API address for client commands (default: listen address)")
	pf.StringVar(&gf.token, "token", "", "Admin bearer token")

	rootCmd.AddCommand(
		newServeCmd(&gf),
		newIssueCmd(&gf),
		newVerifyCmd(&gf),
		newRevokeCmd(&gf),
		newHashCmd(),
		newBindCmd(&gf),
		newTreeCmd(&gf),
		newConsoleCmd(&gf),
		newVersionCmd(),
	)
	return rootCmd
}

func newServeCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the verification and issuance API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load(cmd)
			if err != nil {
				return err
			}
			logFile, err := log.InitLoggerWithConfig(cfg.Log)
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, err := telemetry.Setup(ctx, telemetry.Config{Endpoint: cfg.Telemetry.Endpoint, ServiceName: cfg.Telemetry.ServiceName})
			if err != nil {
				log.Warn(log.APIMonitoring, "tracing disabled", "error", err)
				tp = telemetry.NewNoOpProvider()
			}

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			server := api.NewServer(a.resolver, a.issuer, cfg.AdminToken, cfg.Verify.BaseURL)
			addr, err := server.Start(cfg.Listen)
			if err != nil {
				return err
			}
			if cfg.AdminToken == "" && a.issuer != nil {
				log.Warn(log.APIMonitoring, "admin_token is empty; issue and revoke are open to any caller")
			}
			fmt.Printf("certd %s listening on http://%s (chain: %s)\n", common.Version, addr, cfg.Chain.Mode)

			<-ctx.Done()
			fmt.Printf("\nShutting down certd...\n")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn(log.APIMonitoring, "http shutdown", "error", err)
			}
			return tp.Shutdown(shutdownCtx)
		},
	}
}

func newIssueCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "issue <batch.json>",
		Short: "Issue a batch of certificates through a running certd",
		Long: `Reads a batch request of the form
  {"program": "...", "date": "YYYY-MM-DD", "students": [{"name": "...", "timestamp": 1700000000}]}
and submits it to POST /issue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var req issuance.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			out, err := gf.client(cfg).Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newVerifyCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <did|merkleRoot|documentHash> [merkleRoot]",
		Short: "Verify a certificate",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load(cmd)
			if err != nil {
				return err
			}
			root := ""
			if len(args) == 2 {
				root = args[1]
			}
			out, err := gf.client(cfg).Verify(cmd.Context(), verifyParams(args[0], root))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newRevokeCmd(gf *globalFlags) *cobra.Command {
	var did, root, key string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a certificate by --did and --root, or by --key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load(cmd)
			if err != nil {
				return err
			}
			req := map[string]string{}
			switch {
			case key != "" && did == "" && root == "":
				req["key"] = key
			case key == "" && did != "" && root != "":
				req["did"], req["merkleRoot"] = did, root
			default:
				return fmt.Errorf("give either --key or both --did and --root")
			}
			out, err := gf.client(cfg).Revoke(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&did, "did", "", "Subject DID")
	cmd.Flags().StringVar(&root, "root", "", "Batch Merkle root")
	cmd.Flags().StringVar(&key, "key", "", "Certificate key keccak256(didHash || root)")
	return cmd
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the SHA-256 document hash of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), common.HashBytes(data).Hex())
			return nil
		},
	}
}

func newBindCmd(gf *globalFlags) *cobra.Command {
	var out, baseURL string
	cmd := &cobra.Command{
		Use:   "bind <file>",
		Short: "Embed a verification link in a rendered certificate",
		Long: `Hashes the file, embeds a verification link carrying that hash and writes
the result. The printed canonical and final hashes go into the issuance
request as documentHash and finalHash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load(cmd)
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = cfg.Verify.BaseURL
			}
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			b, err := document.Bind(doc, baseURL, document.TrailerEmbedder{})
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".bound"
			}
			if err := os.WriteFile(out, b.Document, 0o644); err != nil {
				return err
			}
			raw, err := json.Marshal(b)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default: <file>.bound)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Verification page URL (default: verify.base_url)")
	return cmd
}

func newTreeCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <merkleRoot>",
		Short: "Rebuild and draw a stored batch tree",
		Long:  "Reads the data directory directly; stop a running certd on the same directory first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load(cmd)
			if err != nil {
				return err
			}
			root, err := common.ParseHash(args[0])
			if err != nil {
				return err
			}
			log.InitLogger(cfg.Log.Level)
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			// rebuilding reads only the store
			svc := issuance.NewService(a.store, nil, cfg.Chain.ChainID, cfg.Issuance.Issuer, cfg.Issuance.Concurrency)
			c, certs, err := svc.RebuildBatch(cmd.Context(), root)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprint(w, c.Render())
			for _, cert := range certs {
				state := common.Colorize(common.ColorGreen, "valid")
				if cert.Revoked {
					state = common.Colorize(common.ColorRed, "revoked")
				}
				fmt.Fprintf(w, "leaf %d  %s  %s  %s\n", cert.LeafIndex, cert.DID, cert.StudentName, state)
			}
			return nil
		},
	}
}

func newConsoleCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive JavaScript verification console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load(cmd)
			if err != nil {
				return err
			}
			return runConsole(cmd.Context(), gf.client(cfg))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "certd %s (commit %s, built %s)\n", common.Version, common.GetCommitHash(), common.BuildTime)
		},
	}
}
