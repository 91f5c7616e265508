package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"diagport/internal/advertise"
	"diagport/internal/diagproto"
)

type probeResult struct {
	Address   string                        `json:"address"`
	Advertise *probeAdvertise               `json:"advertise,omitempty"`
	Command   string                        `json:"command"`
	Response  string                        `json:"response"`
	ErrorCode uint32                        `json:"error_code,omitempty"`
	Info      *diagproto.ProcessInfoPayload `json:"info,omitempty"`
	Elapsed   time.Duration                 `json:"elapsed_ns"`
}

type probeAdvertise struct {
	Cookie string `json:"cookie"`
	PID    uint64 `json:"pid"`
}

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var info bool
	var accept bool
	var asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Send a ping or process-info command to a diagnostic port",
		Long: "Connects to a listen-mode diagnostic port and sends one command. With --accept,\n" +
			"listens at the address instead and waits for a connect-mode port to dial in.",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			address := strings.TrimSpace(args[0])
			if address == "" {
				return errors.New("address is required")
			}
			runCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var result probeResult
			var err error
			if accept {
				result, err = acceptProbe(runCtx, address, info)
			} else {
				result, err = dialProbe(runCtx, address, info)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, result)
			}
			renderProbe(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&info, "info", false, "Request process information instead of a ping")
	cmd.Flags().BoolVar(&accept, "accept", false, "Listen at the address and wait for the daemon to connect")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Give up after this long")
	return cmd
}

func dialProbe(ctx context.Context, address string, info bool) (probeResult, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", address)
	if err != nil {
		return probeResult{}, fmt.Errorf("connect to %s: %w", address, err)
	}
	defer conn.Close()
	result := probeResult{Address: address}
	return result, exchange(ctx, conn, info, &result)
}

// acceptProbe waits for one connect-mode port to dial address. The first
// bytes on the connection are the advertise message.
func acceptProbe(ctx context.Context, address string, info bool) (probeResult, error) {
	if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
		return probeResult{}, fmt.Errorf("remove stale socket: %w", err)
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", address)
	if err != nil {
		return probeResult{}, fmt.Errorf("listen on %s: %w", address, err)
	}
	defer listener.Close()
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	conn, err := listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return probeResult{}, fmt.Errorf("wait for connection: %w", ctxErr)
		}
		return probeResult{}, fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	setDeadline(ctx, conn)

	msg, err := advertise.Read(conn)
	if err != nil {
		return probeResult{}, err
	}
	result := probeResult{
		Address:   address,
		Advertise: &probeAdvertise{Cookie: msg.Cookie.String(), PID: msg.PID},
	}
	return result, exchange(ctx, conn, info, &result)
}

func exchange(ctx context.Context, conn net.Conn, info bool, result *probeResult) error {
	setDeadline(ctx, conn)
	request := diagproto.Ping()
	if info {
		request = diagproto.InfoRequest()
	}
	result.Command = request.Command()

	started := time.Now()
	if err := diagproto.WriteMessage(conn, request); err != nil {
		return err
	}
	resp, err := diagproto.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("port closed the connection without replying")
		}
		return err
	}
	result.Elapsed = time.Since(started)
	result.Response = resp.Command()
	if code, ok := diagproto.ErrorCode(resp); ok {
		result.ErrorCode = code
		return nil
	}
	if info {
		payload, err := diagproto.DecodeInfo(resp)
		if err != nil {
			return err
		}
		result.Info = &payload
	}
	return nil
}

func setDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
}

func renderProbe(w io.Writer, result probeResult) {
	if result.Advertise != nil {
		fmt.Fprintf(w, "Advertised: pid %d, cookie %s\n", result.Advertise.PID, result.Advertise.Cookie)
	}
	fmt.Fprintf(w, "%s -> %s (%s)\n", result.Command, result.Response, result.Elapsed.Round(time.Microsecond))
	if result.ErrorCode != 0 {
		fmt.Fprintf(w, "Error code: 0x%08x\n", result.ErrorCode)
	}
	if result.Info != nil {
		fmt.Fprintf(w, "PID:        %d\n", result.Info.PID)
		fmt.Fprintf(w, "Cookie:     %s\n", result.Info.Cookie)
		fmt.Fprintf(w, "Executable: %s\n", result.Info.Executable)
		if !result.Info.StartedAt.IsZero() {
			fmt.Fprintf(w, "Started:    %s\n", result.Info.StartedAt.Local().Format(time.RFC3339))
		}
		if result.Info.RunID != "" {
			fmt.Fprintf(w, "Run ID:     %s\n", result.Info.RunID)
		}
		for _, port := range result.Info.Ports {
			fmt.Fprintf(w, "Port:       %s\n", port)
		}
	}
}
