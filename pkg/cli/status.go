package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apiv1 "github.com/beam-cloud/soundfs/pkg/api/v1"
	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of a running mount",
	Long: `Query the status API of a running mount. The mount must have been started
with --status-addr or mount.statusAddr set.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Status API address (default from config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cm, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cm.GetConfig().Mount.StatusAddr
	}
	if addr == "" {
		PrintWarning("No status address configured")
		PrintHint("Mount with --status-addr 127.0.0.1:7777, then run 'soundfs status --addr 127.0.0.1:7777'")
		return nil
	}

	stats, err := fetchStats(addr)
	if err != nil {
		return err
	}

	if PrintJSON(stats) {
		return nil
	}
	printStats(stats)
	return nil
}

func fetchStats(addr string) (apiv1.Stats, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(addr, "/") + apiv1.BasePath + "/stats")
	if err != nil {
		return apiv1.Stats{}, fmt.Errorf("status API unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var body struct {
		apiv1.Response
		Data apiv1.Stats `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return apiv1.Stats{}, fmt.Errorf("decode status: %w", err)
	}
	if !body.Success {
		return apiv1.Stats{}, fmt.Errorf("status API: %s", body.Error)
	}
	return body.Data, nil
}

func printStats(s apiv1.Stats) {
	fmt.Fprintln(out)
	PrintKeyValue("State", stateStyle(s.State).Render(s.State))
	PrintKeyValue("Mount", s.MountPoint)
	PrintKeyValue("Backend", s.Backend)
	PrintKeyValue("Uptime", s.Uptime)
	PrintKeyValue("Handles", fmt.Sprintf("%d open", s.OpenHandles))

	PrintHeader("Namespace")
	PrintKeyValue("Nodes", fmt.Sprintf("%d (%d files)", s.Tree.Nodes, s.Tree.Files))
	PrintKeyValue("Known size", FormatBytes(s.Tree.KnownBytes))

	PrintHeader("Caches")
	PrintKeyValue("Metadata", fmt.Sprintf("%d entries, %d hits, %d stale, %d misses",
		s.Metadata.Entries, s.Metadata.Hits, s.Metadata.StaleHits, s.Metadata.Misses))
	PrintKeyValue("Ranges", fmt.Sprintf("%s over %d tracks, %d hits, %d misses",
		FormatBytes(s.Ranges.Bytes), s.Ranges.Tracks, s.Ranges.Hits, s.Ranges.Misses))
	PrintKeyValue("Streams", fmt.Sprintf("%d sessions, %d fetches, %s fetched, %s served",
		s.Reader.Sessions, s.Reader.Fetches, FormatBytes(s.Reader.FetchedBytes), FormatBytes(s.Reader.ServedBytes)))
	fmt.Fprintln(out)
}
