package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ticketing",
	Short: "Ticketing service for event attendance with escrowed stakes",
	Long: `A service that manages event and ticket lifecycles, settles
attendance stakes against the on-chain escrow ledger, and relays
domain events to the platform.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
