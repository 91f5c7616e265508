package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"diagport/internal/config"
	"diagport/internal/daemonctl"
	"diagport/internal/ipc"
	"diagport/internal/streamfactory"
)

const (
	stopGracePeriod  = 5 * time.Second
	startWaitTimeout = 10 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startDiagnostic bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the diagport daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonLaunchOptions(ctx, startDiagnostic), startWaitTimeout)
			if err != nil {
				return err
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&startDiagnostic, "diagnostic", false, "Tag every daemon log record with the run id")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the diagport daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var restartDiagnostic bool
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the diagport daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(
				ctx.socketPath(),
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx, restartDiagnostic),
				stopGracePeriod,
				startWaitTimeout,
			)
			if err != nil {
				return err
			}
			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintf(stdout, "Daemon restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	restartCmd.Flags().BoolVar(&restartDiagnostic, "diagnostic", false, "Tag every daemon log record with the run id")

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and port status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			status, ports, err := fetchStatus(ctx)
			if err != nil {
				return err
			}
			if statusJSON {
				out := struct {
					*ipc.StatusResponse
					PortList []streamfactory.PortInfo `json:"port_list,omitempty"`
				}{StatusResponse: status}
				if ports != nil {
					out.PortList = ports.Ports
				}
				return writeJSON(cmd, out)
			}
			renderStatus(stdout, ctx.configValue(), status, ports, shouldColorize(stdout))
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

// fetchStatus returns an empty, not-running status when the daemon is
// unreachable so callers can still render configured ports.
func fetchStatus(ctx *commandContext) (*ipc.StatusResponse, *ipc.PortsResponse, error) {
	client, err := ipc.Dial(ctx.socketPath())
	if err != nil {
		return &ipc.StatusResponse{}, nil, nil
	}
	defer client.Close()
	status, err := client.Status()
	if err != nil {
		return nil, nil, fmt.Errorf("query status: %w", err)
	}
	ports, err := client.Ports()
	if err != nil {
		return nil, nil, fmt.Errorf("query ports: %w", err)
	}
	return status, ports, nil
}

func renderStatus(w io.Writer, cfg *config.Config, status *ipc.StatusResponse, ports *ipc.PortsResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	if !status.Running {
		fmt.Fprintln(w, renderStatusLine("Daemon", statusWarn, "not running", colorize))
		if cfg != nil {
			fmt.Fprintln(w)
			renderConfiguredPorts(w, cfg, colorize)
		}
		return
	}
	kind := statusOK
	state := "running"
	if status.ShuttingDown {
		kind, state = statusWarn, "shutting down"
	}
	fmt.Fprintln(w, renderStatusLine("Daemon", kind, fmt.Sprintf("%s (pid %d)", state, status.PID), colorize))
	if !status.StartedAt.IsZero() {
		fmt.Fprintln(w, renderStatusLine("Started", statusInfo, status.StartedAt.Local().Format(time.RFC3339), colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Control socket", statusInfo, status.ControlSocket, colorize))
	if status.DefaultPort != "" {
		fmt.Fprintln(w, renderStatusLine("Default port", statusInfo, status.DefaultPort, colorize))
	}
	if status.LogPath != "" {
		fmt.Fprintln(w, renderStatusLine("Log", statusInfo, status.LogPath, colorize))
	}
	if status.JournalPath != "" {
		fmt.Fprintln(w, renderStatusLine("Journal", statusInfo,
			fmt.Sprintf("%s (%d sessions)", status.JournalPath, status.JournalCount), colorize))
	}
	if status.MetricsAddress != "" {
		fmt.Fprintln(w, renderStatusLine("Metrics", statusInfo, "http://"+status.MetricsAddress+"/metrics", colorize))
	}
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Sessions", colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, renderStatusLine("Served", statusOK, strconv.FormatUint(status.Sessions.Served, 10), colorize))
	failedKind := statusOK
	if status.Sessions.Failed > 0 {
		failedKind = statusWarn
	}
	fmt.Fprintln(w, renderStatusLine("Failed", failedKind, strconv.FormatUint(status.Sessions.Failed, 10), colorize))
	pollKind := statusOK
	if status.Sessions.PollErrors > 0 {
		pollKind = statusWarn
	}
	fmt.Fprintln(w, renderStatusLine("Poll errors", pollKind, strconv.FormatUint(status.Sessions.PollErrors, 10), colorize))
	if !status.Sessions.LastServed.IsZero() {
		fmt.Fprintln(w, renderStatusLine("Last served", statusInfo, status.Sessions.LastServed.Local().Format(time.RFC3339), colorize))
	}
	fmt.Fprintln(w)

	for _, line := range renderSectionHeader("Ports", colorize) {
		fmt.Fprintln(w, line)
	}
	if ports == nil || len(ports.Ports) == 0 {
		fmt.Fprintln(w, "No ports registered")
		return
	}
	for _, port := range ports.Ports {
		detail := fmt.Sprintf("%s, %d claims", port.Mode, port.Claims)
		if port.LastError != "" {
			detail += ", last error: " + port.LastError
		}
		fmt.Fprintln(w, renderStatusLine(port.Name, portStatusKind(port.Closed, port.LastError), detail, colorize))
	}
}

func renderConfiguredPorts(w io.Writer, cfg *config.Config, colorize bool) {
	for _, line := range renderSectionHeader("Configured Ports", colorize) {
		fmt.Fprintln(w, line)
	}
	if cfg.Ports.DefaultListen {
		fmt.Fprintln(w, renderStatusLine("default", statusInfo, "listen (pid-named socket in "+cfg.Paths.RuntimeDir+")", colorize))
	}
	specs, err := cfg.PortSpecs()
	if err != nil {
		fmt.Fprintln(w, renderStatusLine("endpoints", statusError, err.Error(), colorize))
		return
	}
	for _, spec := range specs {
		fmt.Fprintln(w, renderStatusLine(spec.Address, statusInfo, string(spec.Mode), colorize))
	}
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, diagnostic bool) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		LogLevel:   ctx.logLevel(),
		Diagnostic: diagnostic,
	}
}
