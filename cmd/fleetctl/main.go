/*
fleetctl manages a fleet of cloud VMs over SSH: listing, starting,
stopping, running commands, syncing files, saving/restoring topology
snapshots, and an autopilot loop that stops idle VMs to control spend.
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetctl/pkg/audit"
	"github.com/cuemby/fleetctl/pkg/config"
	"github.com/cuemby/fleetctl/pkg/credential"
	"github.com/cuemby/fleetctl/pkg/directory"
	"github.com/cuemby/fleetctl/pkg/log"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl manages a fleet of cloud VMs over SSH",
	Long: `fleetctl lists, starts, stops, and commands a fleet of cloud VMs over
SSH, runs ordered multi-step workflows against them, saves and restores
fleet topology snapshots, and runs an autopilot loop that identifies and
stops idle VMs to control spend.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to fleetctl.toml (default \"<home>/.fleetctl/fleetctl.toml\")")
	rootCmd.PersistentFlags().String("resource-group", "", "Cloud resource group (overrides config)")
	rootCmd.PersistentFlags().String("provider-cli", "az", "Provider CLI binary to shell out to")
	rootCmd.PersistentFlags().String("ssh-user", "azureuser", "SSH username on target VMs")
	rootCmd.PersistentFlags().String("ssh-key", "", "SSH private key path (default: the managed fleetctl key)")
	rootCmd.PersistentFlags().Int("ssh-port", 22, "SSH port on target VMs")
	rootCmd.PersistentFlags().Int("ssh-connect-timeout", 10, "SSH connect timeout in seconds")
	rootCmd.PersistentFlags().Bool("strict-host-key-checking", false, "Reject unknown SSH host keys instead of trusting on first use")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(fleetCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(autopilotCmd)
	rootCmd.AddCommand(keysCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// app bundles everything a subcommand needs, built fresh per invocation
// from persistent flags and fleetctl.toml.
type app struct {
	cfg           config.Config
	resourceGroup string
	client        provider.ProviderClient
	dir           *directory.Directory
	transport     transport.SSHTransport
	auditLog      *audit.Log
	credentials   *credential.Store

	sshUser           string
	sshKeyPath        string
	sshPort           int
	sshConnectTimeout int
	strictHostKeys    bool
}

func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	providerBinary, _ := cmd.Flags().GetString("provider-cli")
	rgFlag, _ := cmd.Flags().GetString("resource-group")
	sshUser, _ := cmd.Flags().GetString("ssh-user")
	sshKey, _ := cmd.Flags().GetString("ssh-key")
	sshPort, _ := cmd.Flags().GetInt("ssh-port")
	sshConnectTimeout, _ := cmd.Flags().GetInt("ssh-connect-timeout")
	strictHostKeys, _ := cmd.Flags().GetBool("strict-host-key-checking")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	resourceGroup := cfg.ResourceGroup
	if rgFlag != "" {
		resourceGroup = rgFlag
	}

	auditLog, err := audit.NewLog(cfg.AuditLogPath())
	if err != nil {
		return nil, err
	}

	credentials := credential.NewStore(cfg.CredentialDir(), "id_ed25519", auditLog)
	if sshKey == "" {
		sshKey = cfg.CredentialDir() + "/id_ed25519"
	}

	client := provider.NewCLIClient(providerBinary)

	return &app{
		cfg:               cfg,
		resourceGroup:     resourceGroup,
		client:            client,
		dir:               directory.New(client),
		transport:         transport.NewSSHClientTransport(),
		auditLog:          auditLog,
		credentials:       credentials,
		sshUser:           sshUser,
		sshKeyPath:        sshKey,
		sshPort:           sshPort,
		sshConnectTimeout: sshConnectTimeout,
		strictHostKeys:    strictHostKeys,
	}, nil
}

// endpointForName resolves the SSH Endpoint for the named VM within
// records, returning a zero Endpoint if the name is not found.
func endpointForName(a *app, records []types.VMRecord, name string) transport.Endpoint {
	for _, r := range records {
		if r.Name == name {
			return endpointFor(a, r)
		}
	}
	return transport.Endpoint{}
}

// endpointFor resolves the SSH Endpoint for vm from the app's configured
// SSH defaults; vm.PublicIP supplies the host.
func endpointFor(a *app, vm types.VMRecord) transport.Endpoint {
	host := ""
	if vm.HasPublicIP() {
		host = *vm.PublicIP
	}
	return transport.Endpoint{
		Host:                  host,
		Port:                  a.sshPort,
		User:                  a.sshUser,
		KeyPath:               a.sshKeyPath,
		StrictHostKeyChecking: a.strictHostKeys,
		ConnectTimeoutSeconds: a.sshConnectTimeout,
	}
}

func loadConfig(configPath string) (config.Config, error) {
	if configPath == "" {
		configPath = config.Default().HomeDir + "/fleetctl.toml"
	}
	return config.Load(configPath)
}

// exitCoder is implemented by errors that carry a specific process exit
// code (transport disconnects, user interrupts).
type exitCoder interface {
	ExitCode() int
}

// exitCodeFor maps a returned error to the CLI exit-code contract (spec.md
// §6): 0 success, 1 generic failure, 130 user interrupt, 255 transport
// disconnect. cobra's Execute only returns non-nil on failure, so this is
// only consulted once Execute has already failed.
func exitCodeFor(err error) int {
	if e, ok := err.(exitCoder); ok {
		return e.ExitCode()
	}
	return 1
}
