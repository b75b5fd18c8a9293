// Package main はCLIツールのエントリポイント。
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"credential-registry/internal/domain"
	"credential-registry/internal/validation"
)

const version = "1.0.0"

// cli はグローバルフラグとAPIクライアントを保持する。
type cli struct {
	apiURL  string
	output  string
	timeout time.Duration
	client  *apiClient
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:          "credctl",
		Short:        "Credential Registry CLI",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.apiURL == "" {
				c.apiURL = os.Getenv("CREDCTL_API_URL")
			}
			c.client = newAPIClient(c.apiURL, c.timeout)
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "API endpoint URL (or set CREDCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&c.output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(c.addCmd())
	rootCmd.AddCommand(c.getCmd())
	rootCmd.AddCommand(c.listCmd())
	rootCmd.AddCommand(c.deleteCmd())
	rootCmd.AddCommand(c.importCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func (c *cli) requireAPI() error {
	if c.apiURL == "" {
		return errors.New("--api-url is required (or set CREDCTL_API_URL)")
	}
	return nil
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "credctl version %s\n", version)
		},
	}
}

// readInput はファイルまたは標準入力("-")から読み込む。
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// addCmd は認証情報の登録コマンド。
func (c *cli) addCmd() *cobra.Command {
	var tenantID, file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add credentials for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireAPI(); err != nil {
				return err
			}
			body, err := readInput(cmd, file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			// サーバーに送る前に同じ検証を行う
			credential, err := validation.ParseCredential(body)
			if err != nil {
				return err
			}

			status, resp, err := c.client.do(cmd.Context(), http.MethodPost, credentialsPath(tenantID), body)
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return handleErrorResponse(status, resp)
			}

			if c.output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), "{}")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s credentials %q for device %q in tenant %q\n",
					credential.Type, credential.AuthID, credential.DeviceID, tenantID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the credentials, or - for stdin (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("file")
	return cmd
}

// getCmd は認証情報の取得コマンド。
func (c *cli) getCmd() *cobra.Command {
	var tenantID, authID, credType string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get credentials by auth ID and type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireAPI(); err != nil {
				return err
			}

			status, body, err := c.client.do(cmd.Context(), http.MethodGet, credentialsPath(tenantID, authID, credType), nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if c.output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			credential := &domain.Credential{}
			if err := json.Unmarshal(body, credential); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printCredentials(cmd.OutOrStdout(), []*domain.Credential{credential})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&authID, "auth-id", "", "Auth ID (required)")
	cmd.Flags().StringVar(&credType, "type", "", "Credentials type (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("auth-id")
	cmd.MarkFlagRequired("type")
	return cmd
}

// listCmd はデバイスの認証情報一覧の取得コマンド。
func (c *cli) listCmd() *cobra.Command {
	var tenantID, deviceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all credentials of a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireAPI(); err != nil {
				return err
			}

			status, body, err := c.client.do(cmd.Context(), http.MethodGet, credentialsPath(tenantID, deviceID), nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if c.output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Total       int                  `json:"total"`
				Credentials []*domain.Credential `json:"credentials"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printCredentials(cmd.OutOrStdout(), result.Credentials)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("device")
	return cmd
}

// deleteCmd は認証情報の削除コマンド。
func (c *cli) deleteCmd() *cobra.Command {
	var tenantID, authID, credType, deviceID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete credentials by auth ID and type, or all credentials of a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireAPI(); err != nil {
				return err
			}

			path := credentialsPath(tenantID, authID, credType)
			target := fmt.Sprintf("%s credentials %q", credType, authID)
			if deviceID != "" {
				path = credentialsPath(tenantID, deviceID)
				target = fmt.Sprintf("all credentials of device %q", deviceID)
			}

			status, body, err := c.client.do(cmd.Context(), http.MethodDelete, path, nil)
			if err != nil {
				return err
			}
			if status != http.StatusNoContent {
				return handleErrorResponse(status, body)
			}

			if c.output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), "{}")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s in tenant %q\n", target, tenantID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&authID, "auth-id", "", "Auth ID")
	cmd.Flags().StringVar(&credType, "type", "", "Credentials type")
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagsRequiredTogether("auth-id", "type")
	cmd.MarkFlagsMutuallyExclusive("auth-id", "device")
	cmd.MarkFlagsOneRequired("auth-id", "device")
	return cmd
}

// importCmd はJSON配列の認証情報を並行して登録するコマンド。
func (c *cli) importCmd() *cobra.Command {
	var tenantID, file string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an array of credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireAPI(); err != nil {
				return err
			}
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be positive: %d", concurrency)
			}
			data, err := readInput(cmd, file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			var entries []json.RawMessage
			if err := json.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parsing %s: expected a JSON array: %w", file, err)
			}

			var added, conflicts, failed atomic.Int64
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)
			for i, entry := range entries {
				g.Go(func() error {
					if _, err := validation.ParseCredential(entry); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "entry %d: %v\n", i, err)
						failed.Add(1)
						return nil
					}
					status, body, err := c.client.do(ctx, http.MethodPost, credentialsPath(tenantID), entry)
					if err != nil {
						return fmt.Errorf("entry %d: %w", i, err)
					}
					switch status {
					case http.StatusCreated:
						added.Add(1)
					case http.StatusConflict:
						conflicts.Add(1)
					default:
						fmt.Fprintf(cmd.ErrOrStderr(), "entry %d: %v\n", i, handleErrorResponse(status, body))
						failed.Add(1)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if c.output == "json" {
				out, _ := json.Marshal(map[string]int64{
					"added": added.Load(), "conflicts": conflicts.Load(), "failed": failed.Load(),
				})
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d credentials (%d already existed, %d failed)\n",
					added.Load(), conflicts.Load(), failed.Load())
			}
			if n := failed.Load(); n > 0 {
				return fmt.Errorf("%d entries failed to import", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with an array of credentials, or - for stdin (required)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Number of concurrent requests")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("file")
	return cmd
}

// printCredentials は認証情報をテーブル形式で出力する。シークレットの中身は表示しない。
func printCredentials(out io.Writer, credentials []*domain.Credential) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tTYPE\tAUTH ID\tENABLED\tSECRETS\tNOT BEFORE\tNOT AFTER")
	for _, c := range credentials {
		notBefore, notAfter := "-", "-"
		if n := len(c.Secrets); n > 0 {
			latest := c.Secrets[n-1]
			if t, ok := latest.NotBefore(); ok {
				notBefore = t.Format(time.RFC3339)
			}
			if t, ok := latest.NotAfter(); ok {
				notAfter = t.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			c.DeviceID, c.Type, c.AuthID, c.Enabled(), len(c.Secrets), notBefore, notAfter)
	}
	return w.Flush()
}
