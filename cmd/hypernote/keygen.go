package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/hypernote/event"
)

func newKeygenCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := event.GenerateKeySigner()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]string{
					"secret_key": signer.SecretHex(),
					"pubkey":     signer.PublicKey(),
				})
			}
			_, err = fmt.Fprintf(out, "secret_key: %s\npubkey:     %s\n", signer.SecretHex(), signer.PublicKey())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
