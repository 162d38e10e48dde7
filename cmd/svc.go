package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/supervisor"
	"github.com/roost-sh/roost/internal/types"
)

var svcCmd = &cobra.Command{
	Use:   "svc",
	Short: "Manage services on a supervisor",
}

var svcLoadCmd = &cobra.Command{
	Use:   "load <origin/name[/version[/release]]>",
	Short: "Load a service",
	Long: `Load writes a service spec into the supervisor's spec directory. A
running supervisor watching that directory picks the service up; loading
before the supervisor starts works too.`,
	Args: cobra.ExactArgs(1),
	RunE: svcLoad,
}

var svcUnloadCmd = &cobra.Command{
	Use:   "unload <name>",
	Short: "Unload a service",
	Long:  `Unload removes a service's spec file, stopping it on the supervisor.`,
	Args:  cobra.ExactArgs(1),
	RunE:  svcUnload,
}

var svcStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show service status from a running supervisor",
	Args:  cobra.MaximumNArgs(1),
	RunE:  svcStatus,
}

func init() {
	svcLoadCmd.Flags().String("group", types.DefaultGroup, "service group name")
	svcLoadCmd.Flags().String("topology", string(types.TopologyStandalone), "topology (standalone, leader)")
	svcLoadCmd.Flags().String("strategy", string(types.UpdateStrategyNone), "update strategy (none, at-once, rolling)")
	svcLoadCmd.Flags().StringSlice("bind", nil, "required bind, name:service.group")
	svcLoadCmd.Flags().StringSlice("bind-optional", nil, "optional bind, name:service.group")
	svcLoadCmd.Flags().String("config-from", "", "directory holding the service's config and hook templates")
	svcLoadCmd.Flags().Int("health-check-interval", 30, "seconds between health-check hook runs")
	svcLoadCmd.Flags().Bool("start-down", false, "load the service without starting it")

	svcStatusCmd.Flags().String("remote-sup", "127.0.0.1:9631", "address of the supervisor's HTTP gateway")
	svcStatusCmd.Flags().String("token", "", "bearer token for the gateway")
	svcStatusCmd.Flags().String("format", "table", "output format (table, json, yaml)")

	svcCmd.AddCommand(svcLoadCmd, svcUnloadCmd, svcStatusCmd)
	rootCmd.AddCommand(svcCmd)
}

func specStore() (*supervisor.SpecStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return supervisor.NewSpecStore(cfg.SpecDir())
}

func svcLoad(cmd *cobra.Command, args []string) error {
	topology, err := types.ParseTopology(mustString(cmd, "topology"))
	if err != nil {
		return err
	}
	strategy, err := types.ParseUpdateStrategy(mustString(cmd, "strategy"))
	if err != nil {
		return err
	}
	binds, _ := cmd.Flags().GetStringSlice("bind")
	bindsOptional, _ := cmd.Flags().GetStringSlice("bind-optional")
	interval, _ := cmd.Flags().GetInt("health-check-interval")
	startDown, _ := cmd.Flags().GetBool("start-down")

	spec := &types.ServiceSpec{
		IdentString:        args[0],
		Group:              mustString(cmd, "group"),
		Org:                viper.GetString("supervisor.organization"),
		Topology:           topology,
		UpdateStrategy:     strategy,
		Binds:              binds,
		BindsOptional:      bindsOptional,
		ConfigFrom:         mustString(cmd, "config-from"),
		HealthCheckSeconds: interval,
	}
	if startDown {
		spec.DesiredState = types.DesiredDown
	}
	if err := spec.Normalize(); err != nil {
		return err
	}

	store, err := specStore()
	if err != nil {
		return err
	}
	if err := store.Save(spec); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s into %s\n", spec.IdentString, spec.ServiceGroup())
	return nil
}

func svcUnload(cmd *cobra.Command, args []string) error {
	store, err := specStore()
	if err != nil {
		return err
	}
	if _, err := store.Load(args[0]); err != nil {
		return fmt.Errorf("service %s is not loaded", args[0])
	}
	if err := store.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unloaded %s\n", args[0])
	return nil
}

func svcStatus(cmd *cobra.Command, args []string) error {
	remote := mustString(cmd, "remote-sup")
	token := mustString(cmd, "token")
	format := mustString(cmd, "format")

	url := "http://" + remote + "/services"
	if len(args) == 1 {
		url += "/" + args[0]
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach supervisor at %s: %w", remote, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("service %s is not loaded", args[0])
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supervisor returned %s", resp.Status)
	}

	var statuses []supervisor.ServiceStatus
	if len(args) == 1 {
		var one supervisor.ServiceStatus
		if err := json.NewDecoder(resp.Body).Decode(&one); err != nil {
			return err
		}
		statuses = []supervisor.ServiceStatus{one}
	} else if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case "yaml":
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(statuses)
	case "table":
		return printStatusTable(cmd, statuses)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printStatusTable(cmd *cobra.Command, statuses []supervisor.ServiceStatus) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE GROUP\tIDENT\tSTATE\tHEALTH\tPID\tUPTIME")
	for _, s := range statuses {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		uptime := s.Uptime
		if uptime == "" {
			uptime = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ServiceGroup, s.Ident, s.State, s.Health, pid, uptime)
	}
	return w.Flush()
}

func mustString(cmd *cobra.Command, name string) string {
	value, err := cmd.Flags().GetString(name)
	if err != nil {
		// flag registered in init; a typo here is a programming error
		panic(err)
	}
	return value
}
