// Package cli wires the duplex library into the go-duplex command.
package cli

import (
	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetGoI2PLogger()

// NewRootCommand builds the go-duplex command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "go-duplex",
		Short:         "Duplex sessions over a route-based overlay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.InitConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-duplex/config.yaml)")
	flags.String("nickname", "", "label attached to session log lines")
	flags.Int("send-attempts", 0, "override session.send_retry.max_attempts")
	bindFlag(root, "session.nickname", "nickname")
	bindFlag(root, "session.send_retry.max_attempts", "send-attempts")

	root.AddCommand(newLoopbackCommand(), newConfigCommand())
	return root
}

// bindFlag ties a persistent flag to a viper key. Unset flags leave the
// config file and defaults in charge.
func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		log.WithError(err).WithField("flag", flag).Error("failed to bind flag")
	}
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}
