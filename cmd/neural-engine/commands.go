// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/neurascale/neural-engine/pkg/ingestion"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/types"
)

func ingestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingestion operations",
	}
	cmd.AddCommand(ingestReplayCommand())
	return cmd
}

// chunkEnvelope mirrors the control-plane ingest request body.
type chunkEnvelope struct {
	Codec string `json:"codec"`
	Data  string `json:"data"`
}

func ingestReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file>",
		Short: "Replay a batch file through a running engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			reader := bufio.NewReader(file)
			var accepted, rejected int
			for {
				record, err := ingestion.ReadBatchRecord(reader)
				if err == io.EOF {
					break
				}
				if err != nil {
					return errors.Wrapf(err, "read record %d", accepted+rejected+1)
				}
				envelope := chunkEnvelope{
					Codec: "v1",
					Data:  base64.StdEncoding.EncodeToString(record),
				}
				var result ingestion.Result
				if err := cli.post(cmd.Context(), "/v1/ingest/neural-data", envelope, &result); err != nil {
					var ae *apiError
					if errors.As(err, &ae) && ae.Status < 500 {
						rejected++
						continue
					}
					return err
				}
				accepted++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s: %s accepted, %s rejected\n",
				args[0], color.GreenString("%d", accepted), color.YellowString("%d", rejected))
			return nil
		},
	}
}

func ledgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger verification and export",
	}
	cmd.AddCommand(ledgerVerifyCommand(), ledgerDumpCommand())
	return cmd
}

func ledgerVerifyCommand() *cobra.Command {
	var (
		from  uint64
		to    uint64
		shard int
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain, whole or by range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			query := url.Values{}
			if from > 0 || to > 0 {
				query.Set("from", strconv.FormatUint(from, 10))
				query.Set("to", strconv.FormatUint(to, 10))
				query.Set("shard", strconv.Itoa(shard))
			}
			var result struct {
				OK        bool              `json:"ok"`
				Violation *ledger.Violation `json:"violation"`
			}
			if err := cli.get(cmd.Context(), "/v1/ledger/verify", query, &result); err != nil {
				return err
			}
			if !result.OK {
				color.New(color.FgRed, color.Bold).Fprintf(cmd.OutOrStdout(),
					"chain violation: %s\n", result.Violation)
				return exitError{code: exitIntegrity, err: errors.New("ledger verification failed")}
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "chain verified: no violations")
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first sequence number to verify")
	cmd.Flags().Uint64Var(&to, "to", 0, "last sequence number to verify (0 means tip)")
	cmd.Flags().IntVar(&shard, "shard", 0, "shard to verify when a range is given")
	return cmd
}

func ledgerDumpCommand() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "dump [<from_ns>..<to_ns>]",
		Short: "Export ledger events as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			query := url.Values{}
			if session != "" {
				query.Set("session", session)
			}
			if len(args) == 1 {
				fromNs, toNs, err := parseTimeRange(args[0])
				if err != nil {
					return err
				}
				query.Set("from_ns", strconv.FormatInt(fromNs, 10))
				query.Set("to_ns", strconv.FormatInt(toNs, 10))
			}
			var events []*ledger.Event
			if err := cli.get(cmd.Context(), "/v1/ledger/dump", query, &events); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "dump events for one session instead of a time range")
	return cmd
}

// parseTimeRange reads "<from_ns>..<to_ns>"; either side may be empty.
func parseTimeRange(raw string) (int64, int64, error) {
	parts := strings.SplitN(raw, "..", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("range %q: want <from_ns>..<to_ns>", raw)
	}
	fromNs, toNs := int64(0), time.Now().UnixNano()
	var err error
	if parts[0] != "" {
		if fromNs, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0, 0, errors.Wrapf(err, "range start %q", parts[0])
		}
	}
	if parts[1] != "" {
		if toNs, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0, 0, errors.Wrapf(err, "range end %q", parts[1])
		}
	}
	return fromNs, toNs, nil
}

func devicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Device registry operations",
	}
	cmd.AddCommand(devicesListCommand(), devicesScanCommand())
	return cmd
}

func stateColor(state string) *color.Color {
	switch state {
	case "streaming", "connected":
		return color.New(color.FgGreen)
	case "errored":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func devicesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices and their states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			var devices []struct {
				DeviceID string `json:"device_id"`
				State    string `json:"state"`
			}
			if err := cli.get(cmd.Context(), "/v1/devices", nil, &devices); err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no devices registered")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s\n",
					d.DeviceID, stateColor(d.State).Sprint(d.State))
			}
			return nil
		},
	}
}

func devicesScanCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Probe all discovery buses for devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			query := url.Values{"timeout": []string{timeout.String()}}
			var result struct {
				Devices []types.DiscoveredDevice `json:"devices"`
				Errors  map[string]string        `json:"errors,omitempty"`
			}
			if err := cli.get(cmd.Context(), "/v1/devices/discover", query, &result); err != nil {
				return err
			}
			for _, d := range result.Devices {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-20s %s\n",
					d.Protocol, d.DeviceType, d.Endpoint)
			}
			for protocol, probeErr := range result.Errors {
				color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(),
					"%s probe failed: %s\n", protocol, probeErr)
			}
			if len(result.Devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no devices found")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "per-bus probe timeout")
	return cmd
}

func purgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <user-id-anon>",
		Short: "Remove a user's raw chunk data (ledger rows are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			var stats ingestion.PurgeStats
			body := map[string]string{"user_id_anon": args[0]}
			if err := cli.post(cmd.Context(), "/v1/purge", body, &stats); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged user %s: %s chunks removed across %d sessions\n",
				stats.UserID, color.GreenString("%d", stats.ChunksRemoved), len(stats.Sessions))
			return nil
		},
	}
}

func sessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Recording session lifecycle",
	}
	cmd.AddCommand(sessionStartCommand(), sessionEndCommand())
	return cmd
}

func sessionStartCommand() *cobra.Command {
	var (
		subject  string
		paradigm string
		dataType string
		rate     uint32
		channels int
		devices  []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a recording session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			body := map[string]interface{}{
				"subject_id":       subject,
				"paradigm":         paradigm,
				"data_type":        dataType,
				"sampling_rate_hz": rate,
				"num_channels":     channels,
				"devices":          devices,
			}
			var result struct {
				SessionID string `json:"session_id"`
			}
			if err := cli.post(cmd.Context(), "/v1/session/start", body, &result); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString(result.SessionID))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject identifier (pseudonymized before storage)")
	cmd.Flags().StringVar(&paradigm, "paradigm", "", "experimental paradigm label")
	cmd.Flags().StringVar(&dataType, "data-type", "eeg", "signal modality")
	cmd.Flags().Uint32Var(&rate, "rate", 250, "sampling rate in Hz")
	cmd.Flags().IntVar(&channels, "channels", 8, "channel count")
	cmd.Flags().StringSliceVar(&devices, "device", nil, "device to attach (repeatable)")
	cmd.MarkFlagRequired("subject") //nolint:errcheck
	return cmd
}

func sessionEndCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End the active recording session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := apiClient()
			if err != nil {
				return err
			}
			var session types.Session
			body := map[string]string{"session_id": args[0]}
			if err := cli.post(cmd.Context(), "/v1/session/end", body, &session); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s closed: %d samples, %d packets lost\n",
				session.ID, session.SamplesSeen, session.PacketsLost)
			return nil
		},
	}
}
