package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/session-plane/internal/sealed"
)

func newKeygenCmd(g *globals) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the age identity that seals stored browser state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = g.cfg.Sealed.IdentityFile
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists; refusing to replace a key that may seal live sessions", out)
			}
			s, err := sealed.LoadOrCreate(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity written to %s\nrecipient: %s\n", out, s.Recipient())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "identity file (default sealed.identity_file)")
	return cmd
}
