package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write the config file",
	Long: `Reads and writes settings in the claimlens config file
(config.toml under the claimlens home). Keys are dotted section paths,
e.g. 'server.listen_addr' or 'queue.lease_ttl'. Environment variables
still override file settings at runtime.`,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting, or all settings when no key is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one setting to the config file",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		value, ok := settings.Get(args[0])
		if !ok {
			return usageErrorf("unknown config key %q (see 'claimlens config get')", args[0])
		}
		fmt.Println(value)
		return nil
	}

	keys := make([]string, 0, len(config.AvailableKeys()))
	for key := range config.AvailableKeys() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, _ := settings.Get(key)
		fmt.Printf("%-32s = %s\n", key, value)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return err
	}
	if err := settings.Set(args[0], args[1]); err != nil {
		return usageError{err}
	}
	if err := settings.Save(cfg.ConfigFile); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", args[0], args[1])
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Println(cfg.ConfigFile)
	return nil
}
