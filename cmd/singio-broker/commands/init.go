package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkust-sing/singio-broker/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample singio-broker configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/singio-broker/config.yaml. Use --config to specify a
custom path.

Examples:
  # Initialize with default location
  singio-broker init

  # Initialize with custom path
  singio-broker init --config /etc/singio-broker/config.yaml

  # Force overwrite an existing config file
  singio-broker init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to set authz.server_ip/authz.server_port and backend.region")
	fmt.Printf("  2. Start the broker with: singio-broker start --config %s\n", configPath)

	return nil
}
