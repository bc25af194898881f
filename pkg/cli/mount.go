package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beam-cloud/soundfs/pkg/mount"
	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// stopTimeout bounds a signal-triggered unmount, forced unmount included.
const stopTimeout = 10 * time.Second

var (
	mountVerbose    bool
	mountBackend    string
	mountStatusAddr string
	mountAccount    string
	mountToken      string
	mountAllowOther bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <path>",
	Short: "Mount the catalog filesystem",
	Long: `Mount the catalog as a read-only filesystem at the specified path.

The default layout provides:
  /likes/*              - Liked tracks, newest first
  /playlists/<name>/*   - Your playlists and their tracks
  /users/<user>/*       - Per-user tracks, likes and followings

This command blocks until the filesystem is unmounted (Ctrl+C).

Examples:
  soundfs mount ~/Music/sound --account myname --token $TOKEN
  soundfs mount /mnt/sound --config soundfs.yaml --status-addr 127.0.0.1:7777
  soundfs mount /mnt/sound --backend cgofuse --verbose`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().BoolVarP(&mountVerbose, "verbose", "v", false, "Verbose logging")
	mountCmd.Flags().StringVar(&mountBackend, "backend", "", "FUSE binding: gofuse or cgofuse (default from config)")
	mountCmd.Flags().StringVar(&mountStatusAddr, "status-addr", "", "Serve the status API on this address")
	mountCmd.Flags().StringVar(&mountAccount, "account", "", "Catalog account (user permalink) to browse")
	mountCmd.Flags().StringVar(&mountToken, "token", "", "OAuth token for the catalog API")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "Let other users access the mount")
}

// applyMountFlags layers command line flags over the loaded configuration.
func applyMountFlags(cmd *cobra.Command, config *types.AppConfig) error {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		switch mountBackend {
		case types.BackendGoFuse, types.BackendCgoFuse:
			config.Mount.Backend = mountBackend
		default:
			return fmt.Errorf("unknown backend %q (want %s or %s)", mountBackend, types.BackendGoFuse, types.BackendCgoFuse)
		}
	}
	if flags.Changed("status-addr") {
		config.Mount.StatusAddr = mountStatusAddr
	}
	if flags.Changed("account") {
		config.Catalog.Account = mountAccount
	}
	if flags.Changed("token") {
		config.Catalog.Token = mountToken
	}
	if flags.Changed("allow-other") {
		config.Mount.AllowOther = mountAllowOther
	}
	return nil
}

func topLevelDirs(layout types.LayoutConfig) []string {
	var dirs []string
	for _, c := range layout.Categories {
		name := c.Name
		if name == "" {
			name = c.Kind
		}
		dirs = append(dirs, name)
	}
	if layout.UsersDir != "" {
		dirs = append(dirs, layout.UsersDir)
	}
	return dirs
}

func runMount(cmd *cobra.Command, args []string) error {
	mountPoint := args[0]

	cm, err := loadConfig()
	if err != nil {
		return err
	}
	config := cm.GetConfig()
	if err := applyMountFlags(cmd, &config); err != nil {
		return err
	}
	setupLogging(config, mountVerbose)

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	session, err := mount.NewSession(mount.Config{
		MountPoint: mountPoint,
		App:        config,
		Verbose:    mountVerbose,
	}, func(s mount.State, err error) {
		log.Debug().Str("state", s.String()).Err(err).Msg("mount state")
	})
	if err != nil {
		return err
	}

	if err := session.Start(); err != nil {
		return err
	}
	if !outputJSON {
		PrintMountStatus(mountPoint, session.Stats().Backend, config.Mount.StatusAddr, topLevelDirs(config.Layout))
	}

	// Run the serve loop in the background so we can coordinate shutdown.
	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err = <-waitCh:
		// Unmounted from outside, or the mount never came up.
	case <-sigChan:
		stopped := make(chan struct{})
		go func() {
			session.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case err = <-waitCh:
		case <-sigChan:
			// Second Ctrl+C: hard exit.
			os.Exit(1)
		case <-time.After(stopTimeout):
			log.Warn().Msg("unmount timed out")
			os.Exit(0)
		}
	}

	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	return nil
}
