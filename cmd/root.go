package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "humourhub",
		Short: "Meme sharing service with a server-side meme editor",
		Long: `humourhub stores and serves memes and templates, and runs a meme editor
that composites draggable text layers onto an image and saves the result as a
new meme.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				logrus.Debug("No .env file found")
			}
			return setupLogging(logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "The log level (debug, info, warn, error).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRenderCmd())

	return cmd
}

func setupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}
