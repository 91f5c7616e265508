package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"diagport/internal/config"
	"diagport/internal/ipc"
	"diagport/internal/streamfactory"
)

func newPortsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List diagnostic ports registered with the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Ports()
				if err != nil {
					return fmt.Errorf("list ports: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, resp.Ports)
				}
				if len(resp.Ports) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No ports registered")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderPortTable(resp.Ports))
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	portsCmd.Flags().BoolVar(&asJSON, "json", false, "Print ports as JSON")

	portsCmd.AddCommand(newPortsResolveCommand(ctx))
	return portsCmd
}

func renderPortTable(ports []streamfactory.PortInfo) string {
	rows := make([][]string, 0, len(ports))
	for _, port := range ports {
		state := "open"
		switch {
		case port.Closed:
			state = "closed"
		case port.Cached:
			state = "connected"
		}
		lastError := port.LastError
		if lastError != "" && !port.LastErrorAt.IsZero() {
			lastError = fmt.Sprintf("%s (%s)", lastError, port.LastErrorAt.Local().Format(time.TimeOnly))
		}
		rows = append(rows, []string{
			port.Name,
			port.Mode,
			state,
			strconv.FormatUint(port.Claims, 10),
			strconv.FormatUint(port.ConnectFailures, 10),
			strconv.FormatUint(port.HangUps, 10),
			lastError,
		})
	}
	return renderTable(
		[]string{"Address", "Mode", "State", "Claims", "Failures", "Hang-ups", "Last Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func newPortsResolveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [address[,tag...]]...",
		Short: "Show how configured port entries are parsed, without contacting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			specs, err := cfg.PortSpecs()
			if err != nil {
				return err
			}
			for _, arg := range args {
				parsed, err := config.ParsePortList(arg)
				if err != nil {
					return err
				}
				specs = append(specs, parsed...)
			}
			rows := make([][]string, 0, len(specs)+1)
			if cfg.Ports.DefaultListen {
				rows = append(rows, []string{filepath.Join(cfg.Paths.RuntimeDir, "diagport-<pid>-<start>-socket"), string(config.PortListen), "no", ""})
			}
			for _, spec := range specs {
				rows = append(rows, []string{spec.Address, string(spec.Mode), yesNo(spec.Suspend), strings.Join(spec.Ignored, ", ")})
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No ports configured")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Address", "Mode", "Suspend", "Ignored Tags"}, rows, nil))
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}
