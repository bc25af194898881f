package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration a mount would use: built-in defaults, then the
--config file, then SOUNDFS_ environment variables (e.g. SOUNDFS_CACHE_DIRTTL=5m).`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cm, err := loadConfig()
	if err != nil {
		return err
	}

	config := cm.GetConfig()
	if config.Catalog.Token != "" {
		config.Catalog.Token = redacted
	}
	if PrintJSON(config) {
		return nil
	}

	// Raw returns a copy, so redacting it leaves the manager untouched.
	raw := cm.Koanf().Raw()
	if catalog, ok := raw["catalog"].(map[string]interface{}); ok {
		if token, _ := catalog["token"].(string); token != "" {
			catalog["token"] = redacted
		}
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}
