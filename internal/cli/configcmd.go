package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lanchat.dev/go/lanchat/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths()
		if err != nil {
			return err
		}
		if _, err := os.Stat(paths.ConfigFile); err == nil {
			return fmt.Errorf("config already exists at %s", paths.ConfigFile)
		}

		if err := config.Default().Save(); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", paths.ConfigFile)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths()
		if err != nil {
			return err
		}
		fmt.Println(paths.ConfigFile)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
