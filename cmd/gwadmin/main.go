// Command gwadmin is the operator-facing CLI for the gateway's Client
// Registry (C15): register, list, revoke, and backup, all routed through
// the same registry package the gateway process itself uses so every write
// goes through the same atomic-replace protocol (C10).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llmgateway/gateway/internal/registry"
	"github.com/llmgateway/gateway/internal/signature"
)

var dataDir string

func main() {
	root := &cobra.Command{
		Use:   "gwadmin",
		Short: "Administer the gateway's authorized client registry",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "gateway data directory")

	root.AddCommand(registerCmd(), listCmd(), revokeCmd(), backupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openRegistry() (*registry.Registry, error) {
	reg := registry.New(dataDir, signature.IsSupportedAlgorithm, 10)
	if err := reg.Load(); err != nil {
		return nil, err
	}
	return reg, nil
}

func registerCmd() *cobra.Command {
	var name, keyPath, algorithm string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new authorized client",
		RunE: func(cmd *cobra.Command, args []string) error {
			pemBytes, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read public key file: %w", err)
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			id, err := reg.Register(name, string(pemBytes), algorithm)
			if err != nil {
				return err
			}
			fmt.Printf("registered client %q with id %s\n", name, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human label for the client (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "path to a PEM-encoded public key (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "SHA256", "signature digest algorithm")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("key")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List authorized clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			clients := reg.List()
			fmt.Printf("%-34s %-20s %-20s %s\n", "ID", "NAME", "LAST CONNECTED", "FINGERPRINT")
			for _, c := range clients {
				fp, err := registry.Fingerprint(c.PublicKey)
				display := "?"
				if err == nil {
					display = registry.HumanFingerprint(fp)
				}
				lastConnected := c.LastConnected
				if lastConnected == "" {
					lastConnected = "never"
				}
				fmt.Printf("%-34s %-20s %-20s %s\n", c.ID, c.Name, lastConnected, display)
			}
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <client-id>",
		Short: "Revoke an authorized client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			ok, err := reg.Revoke(args[0], reason)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no such client: %s", args[0])
			}
			fmt.Printf("revoked client %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator requested", "reason recorded in the revocation audit record")
	return cmd
}

func backupCmd() *cobra.Command {
	var keepN int
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Force an immediate backup of the client registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			path, err := reg.BackupWithRotation(keepN)
			if err != nil {
				return err
			}
			fmt.Printf("wrote backup %s\n", path)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepN, "keep", 10, "number of backups to retain")
	return cmd
}
