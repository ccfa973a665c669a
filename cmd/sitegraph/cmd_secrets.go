package main

import (
	"bufio"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/sitegraph/internal/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage provider keys in the encrypted vault",
	Long: "Provider keys: " + strings.Join(secrets.Providers, ", ") + ".\n" +
		"Keys are also seeded at startup from SITEGRAPH_KEY_<PROVIDER> and env_file.",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <provider> [value]",
	Short: "Store a provider key (read from stdin when value is omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := args[0]
		if err := checkProvider(provider); err != nil {
			return err
		}
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read key from stdin: %w", err)
			}
			value = line
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return fmt.Errorf("empty key for %s", provider)
		}

		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		creds, err := a.credentials(cmd.Context())
		if err != nil {
			return err
		}
		if err := creds.Set(cmd.Context(), provider, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s key\n", secrets.Label(provider))
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show which provider keys are configured",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		creds, err := a.credentials(cmd.Context())
		if err != nil {
			return err
		}
		configured, err := creds.Configured(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range secrets.Providers {
			mark := "missing"
			if slices.Contains(configured, p) {
				mark = "configured"
			}
			fmt.Fprintf(out, "%-10s %-18s %s\n", p, secrets.Label(p), mark)
		}
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Remove a provider key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkProvider(args[0]); err != nil {
			return err
		}
		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		creds, err := a.credentials(cmd.Context())
		if err != nil {
			return err
		}
		if err := creds.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s key\n", secrets.Label(args[0]))
		return nil
	},
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsDeleteCmd)
}

func checkProvider(p string) error {
	if !slices.Contains(secrets.Providers, p) {
		return fmt.Errorf("unknown provider %q (one of %s)", p, strings.Join(secrets.Providers, ", "))
	}
	return nil
}
