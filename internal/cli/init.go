package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/policy"
)

var (
	initMode  string
	initForce bool
	initOut   string
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.toolwarden) or system (/etc/toolwarden)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)

	initPolicyCmd.Flags().StringVarP(&initOut, "output", "o", "", "Write the policy here instead of the config directory")
	initPolicyCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing policy file")
	rootCmd.AddCommand(initPolicyCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap toolwarden configuration",
	Long: `Creates the config directory and a commented default policy.

User mode (default):  writes to ~/.toolwarden/
System mode:          writes to /etc/toolwarden/ (requires root)`,
	RunE: runInit,
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate a default policy.yaml with comments",
	Long:  "Writes the default policy to ~/.toolwarden/policy.yaml, or to --output.\nEdit the file to declare tools, trusted channels, rate limits and escalation rules.",
	RunE:  runInitPolicy,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var created []string
	policyFile := filepath.Join(configDir, "policy.yaml")
	if wrote, err := writeIfMissing(policyFile, policy.DefaultPolicyYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, policyFile)
	}

	fmt.Println("toolwarden init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Verify:")
	fmt.Printf("  toolwarden validate %s\n", policyFile)
	fmt.Println()
	fmt.Println("Check a tool call:")
	fmt.Printf("  toolwarden --policy %s check --tool <name> --args '<json>'\n", policyFile)
	return nil
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := initOut
	if path == "" {
		dir, err := initConfigDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, "policy.yaml")
	}

	wrote, err := writeIfMissing(path, policy.DefaultPolicyYAML())
	if err != nil {
		return err
	}
	if !wrote {
		return fmt.Errorf("policy already exists at %s (use --force to overwrite)", path)
	}
	fmt.Printf("Created %s\n", path)
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/toolwarden", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".toolwarden"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
