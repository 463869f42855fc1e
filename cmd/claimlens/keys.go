package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/secrets"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys for arbiter providers and bundle downloads",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known keys and whether each is set",
	Args:  cobra.NoArgs,
	RunE:  runKeysList,
}

var keysSetCmd = &cobra.Command{
	Use:   "set <key-or-provider>",
	Short: "Store a key, prompting for the value",
	Long: `Prompts for the key value (hidden input on a terminal) and stores
it under the claimlens home with owner-only permissions. Accepts either
a key name like 'anthropic_api_key' or a provider name like 'claude'.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysSet,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <key-or-provider>",
	Short: "Remove a stored key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysDelete,
}

func init() {
	keysCmd.AddCommand(keysListCmd, keysSetCmd, keysDeleteCmd)
	rootCmd.AddCommand(keysCmd)
}

// resolveKeyName accepts either a canonical key name or a provider
// alias ("claude", "gemini").
func resolveKeyName(arg string) string {
	name := strings.ToLower(strings.TrimSpace(arg))
	if mapped := secrets.KeyForProvider(name); mapped != "" {
		return mapped
	}
	return name
}

func runKeysList(cmd *cobra.Command, args []string) error {
	setupLogger()
	if _, err := loadConfig(); err != nil {
		return err
	}

	for _, info := range secrets.KnownKeys() {
		state := "not set"
		if secrets.IsSet(info.Name) {
			state = "set"
		}
		fmt.Printf("%-20s %-8s %s\n", info.Name, state, info.Desc)
	}
	return nil
}

func runKeysSet(cmd *cobra.Command, args []string) error {
	setupLogger()
	if _, err := loadConfig(); err != nil {
		return err
	}

	name := resolveKeyName(args[0])
	value, err := secrets.Prompt(os.Stdout, os.Stdin, fmt.Sprintf("Enter %s", name))
	if err != nil {
		return err
	}
	if err := secrets.Set(name, value); err != nil {
		return err
	}
	fmt.Printf("%s saved\n", name)
	return nil
}

func runKeysDelete(cmd *cobra.Command, args []string) error {
	setupLogger()
	if _, err := loadConfig(); err != nil {
		return err
	}

	name := resolveKeyName(args[0])
	if err := secrets.Delete(name); err != nil {
		return err
	}
	fmt.Printf("%s deleted\n", name)
	return nil
}
