// Command oidcproxy 是一个 Solid-OIDC 拦截代理：
// 位于普通 OIDC Provider 之前，补齐 PKCE、DPoP、WebID 客户端注册等能力。
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "oidcproxy",
	Short:         "Solid-OIDC proxy in front of a plain OpenID Provider",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd(), newKeygenCmd(), newJWKSCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("oidcproxy failed")
		os.Exit(1)
	}
}
