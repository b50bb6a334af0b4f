package main

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/oy3o/oidcproxy"
)

func newKeygenCmd() *cobra.Command {
	var (
		keyType  string
		out      string
		password string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PEM signing key for the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kt, err := oidcproxy.ParseKeyType(keyType)
			if err != nil {
				return err
			}
			key, err := oidcproxy.NewKey(kt)
			if err != nil {
				return err
			}
			var pass []byte
			if password != "" {
				pass = []byte(password)
			}
			if err := oidcproxy.SaveKey(out, key, pass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s key to %s\n", kt, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "ecdsa", "key type: rsa, ecdsa or ed25519")
	cmd.Flags().StringVar(&out, "out", "signing.pem", "output PEM file")
	cmd.Flags().StringVar(&password, "password", "", "optional password to encrypt the PEM file")
	return cmd
}

func newJWKSCmd() *cobra.Command {
	var (
		keys     string
		password string
	)
	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Print the public JWKS of the proxy signing keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pass []byte
			if password != "" {
				pass = []byte(password)
			}
			loaded, err := oidcproxy.LoadSigningKeys(keys, pass)
			if err != nil {
				return err
			}
			signer, err := oidcproxy.NewKeySigner(loaded...)
			if err != nil {
				return err
			}
			set, err := signer.PublicJWKS()
			if err != nil {
				return err
			}
			return sonic.ConfigStd.NewEncoder(cmd.OutOrStdout()).Encode(set)
		},
	}
	cmd.Flags().StringVar(&keys, "keys", "", "JWKS (.json/.jwks) or PEM file with the signing keys")
	cmd.Flags().StringVar(&password, "password", "", "PEM password")
	_ = cmd.MarkFlagRequired("keys")
	return cmd
}
