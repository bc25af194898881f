package cli

import (
	"os"

	"github.com/beam-cloud/soundfs/pkg/common"
	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../pkg/cli.Version=...".
var Version = "dev"

// logLevelEnv, when set, fixes the level outside debug mode.
const logLevelEnv = "SOUNDFS_LOG_LEVEL"

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "soundfs",
	Short: "Browse a music catalog as a read-only filesystem",
	Long: BrandStyle.Render("soundfs") + ` mounts a music catalog as a read-only filesystem.

Liked tracks, playlists and followed users appear as directories; tracks are
audio files streamed from the catalog on demand.`,
	Example: `  soundfs mount ~/Music/catalog --account me
  soundfs status --addr 127.0.0.1:7070
  soundfs config --json`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		SetJSONOutput(jsonOutput)
	},
}

func init() {
	rootCmd.SetVersionTemplate(BrandStyle.Render("soundfs") + " {{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", os.Getenv(common.ConfigPathEnv), "YAML or JSON config file")
	flags.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(mountCmd, configCmd, statusCmd)
}

// Execute runs the root command and prints a friendly error on failure.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		PrintFormattedError("soundfs failed", err)
		return err
	}
	return nil
}

// loadConfig resolves the effective configuration: embedded defaults, then
// the --config file, then SOUNDFS_ environment variables.
func loadConfig() (*common.ConfigManager[types.AppConfig], error) {
	if configPath != "" {
		if err := os.Setenv(common.ConfigPathEnv, configPath); err != nil {
			return nil, err
		}
	}
	cm, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	return cm, nil
}

func setupLogging(config types.AppConfig, verbose bool) {
	switch {
	case config.DebugMode || verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case os.Getenv(logLevelEnv) == "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if config.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
