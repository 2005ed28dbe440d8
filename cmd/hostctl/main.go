package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sandstorm-io/sandcats/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hostctl",
	Short: "Manage a dynamic hostname on a sandcats registry",
	Long: `hostctl registers a hostname under the registry's zone, keeps its
address current, recovers it onto a new key and fetches certificates.

The machine's identity is a key and self-signed certificate kept in
--key-dir. It is created on first use.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".sandcats"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("SANDCATS")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && cfgFile != "" {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	},
}

func init() {
	home, _ := os.UserHomeDir()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.sandcats/config.yaml)")
	pf.String("registry", "https://sandcats.test", "registry base URL")
	pf.String("key-dir", filepath.Join(home, ".sandcats", "id"), "directory holding the client key and certificate")
	pf.String("zone", "sandcats.test", "base domain hostnames live under")
	pf.String("ping-addr", "", "UDP address of the ping responder (default <registry host>:8080)")
	pf.String("fingerprint", "", "send this fingerprint header directly instead of using mTLS (development registries only)")
	pf.Bool("insecure", false, "skip TLS certificate verification (development only)")
	pf.Bool("json", false, "print raw JSON responses")
	for _, name := range []string{"registry", "key-dir", "zone", "ping-addr", "fingerprint", "insecure", "json"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	registerCmd.Flags().String("email", "", "address for recovery mail (required)")
	_ = registerCmd.MarkFlagRequired("email")
	reserveCmd.Flags().String("email", "", "address for recovery mail (required)")
	_ = reserveCmd.MarkFlagRequired("email")

	getCertificateCmd.Flags().String("out", ".", "directory to write key.pem and cert.pem into")

	pingCmd.Flags().Duration("interval", time.Minute, "time between pings")
	pingCmd.Flags().Duration("wait", 5*time.Second, "how long to wait for an echo")
	pingCmd.Flags().Bool("once", false, "ping once and exit")

	rootCmd.AddCommand(keygenCmd, registerCmd, updateCmd, sendRecoveryTokenCmd, recoverCmd,
		reserveCmd, registerReservedCmd, getCertificateCmd, pingCmd, versionCmd)
}

// newClient builds a client from the bound flags. needKey is false for
// calls the registry accepts without a client certificate.
func newClient(needKey bool) (*client.Client, error) {
	var opts []client.Option
	if addr := viper.GetString("ping-addr"); addr != "" {
		opts = append(opts, client.WithPingAddr(addr))
	}
	switch fp := viper.GetString("fingerprint"); {
	case fp != "":
		opts = append(opts, client.WithFingerprint(fp))
	case needKey:
		bundle, err := client.LoadOrGenerate(viper.GetString("key-dir"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithMTLS(bundle.CertPEM, bundle.PrivateKeyPEM, ""))
	}
	if viper.GetBool("insecure") {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(viper.GetString("registry"), opts...)
}

func printResponse(resp *client.Response, err error) error {
	if resp != nil && viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	} else if resp != nil && resp.Text != "" {
		fmt.Println(resp.Text)
	}
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ── identity ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the client identity if needed and print its fingerprint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("key-dir")
		bundle, err := client.LoadOrGenerate(dir)
		if err != nil {
			return err
		}
		fp, err := bundle.Fingerprint()
		if err != nil {
			return err
		}
		fmt.Printf("key directory: %s\nfingerprint:   %s\n", dir, fp)
		return nil
	},
}

// ── hostname lifecycle ───────────────────────────────────────────────────────

var registerCmd = &cobra.Command{
	Use:   "register <hostname>",
	Short: "Register a hostname at this machine's address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		email, _ := cmd.Flags().GetString("email")
		return printResponse(c.Register(cmd.Context(), args[0], email))
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <hostname>",
	Short: "Point a hostname at this machine's current address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		return printResponse(c.Update(cmd.Context(), args[0]))
	},
}

var sendRecoveryTokenCmd = &cobra.Command{
	Use:   "sendrecoverytoken <hostname>",
	Short: "Email a recovery token to the hostname's registered address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		resp, err := c.SendRecoveryToken(cmd.Context(), args[0])
		if client.IsRateLimited(err) {
			fmt.Fprintln(os.Stderr, "recovery tokens are rate limited; try again later")
		}
		return printResponse(resp, err)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <hostname> <token>",
	Short: "Move a hostname onto this machine's key with an emailed token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		if err := printResponse(c.Recover(cmd.Context(), args[0], args[1])); err != nil {
			return err
		}
		return printResponse(c.Update(cmd.Context(), args[0]))
	},
}

var reserveCmd = &cobra.Command{
	Use:   "reserve <hostname>",
	Short: "Reserve a hostname and print the reservation token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		email, _ := cmd.Flags().GetString("email")
		token, err := c.Reserve(cmd.Context(), args[0], email)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var registerReservedCmd = &cobra.Command{
	Use:   "registerreserved <hostname> <token>",
	Short: "Redeem a reservation token for this machine's key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		return printResponse(c.RegisterReserved(cmd.Context(), args[0], args[1]))
	},
}

// ── certificates ─────────────────────────────────────────────────────────────

var getCertificateCmd = &cobra.Command{
	Use:   "getcertificate <hostname>",
	Short: "Generate a key and obtain a certificate for hostname and *.hostname",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		name := strings.ToLower(args[0])
		fqdn := name + "." + strings.TrimSuffix(viper.GetString("zone"), ".")

		key, err := client.GenerateIdentity()
		if err != nil {
			return err
		}
		csr, err := key.CSR(fqdn)
		if err != nil {
			return err
		}
		resp, err := c.GetCertificate(cmd.Context(), name, csr)
		if err != nil {
			return printResponse(resp, err)
		}

		if err := os.MkdirAll(out, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(out, "key.pem"), []byte(key.PrivateKeyPEM), 0o600); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
		pem := resp.Cert + strings.Join(resp.Chain, "")
		if err := os.WriteFile(filepath.Join(out, "cert.pem"), []byte(pem), 0o644); err != nil { //nolint:gosec
			return fmt.Errorf("write certificate: %w", err)
		}
		fmt.Printf("certificate for %s (serial %s) valid until %s written to %s\n",
			fqdn, resp.Serial, resp.NotAfter.Format(time.RFC3339), out)
		return nil
	},
}

// ── liveness ─────────────────────────────────────────────────────────────────

var pingCmd = &cobra.Command{
	Use:   "ping <hostname>",
	Short: "Ping the registry periodically and update when the address moved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		interval, _ := cmd.Flags().GetDuration("interval")
		wait, _ := cmd.Flags().GetDuration("wait")
		once, _ := cmd.Flags().GetBool("once")

		ctx, stop := signalContext()
		defer stop()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := pingOnce(ctx, c, args[0], wait); err != nil {
				if once {
					return err
				}
				fmt.Fprintf(os.Stderr, "ping: %v\n", err)
			}
			if once {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func pingOnce(ctx context.Context, c *client.Client, hostname string, wait time.Duration) error {
	stale, err := c.Ping(ctx, hostname, wait)
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}
	resp, err := c.Update(ctx, hostname)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	fmt.Printf("%s: %s\n", time.Now().Format(time.RFC3339), resp.Text)
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hostctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("hostctl", version)
	},
}
