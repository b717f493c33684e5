package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lexreport/api/internal/blocks"
	"lexreport/api/internal/collab"
	"lexreport/api/internal/presence"
	"lexreport/api/internal/realtime"
)

func init() {
	watchCmd.Flags().String("section", "", "section the participant has open")
	watchCmd.Flags().Bool("all", false, "print changes for every section")
	rootCmd.AddCommand(watchCmd)

	pushCmd.Flags().StringP("file", "f", "-", "JSON block list to send, - for stdin")
	rootCmd.AddCommand(pushCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <report-id>",
	Short: "Join a report and print presence and remote changes as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		section, _ := cmd.Flags().GetString("section")
		all, _ := cmd.Flags().GetBool("all")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := &eventPrinter{enc: json.NewEncoder(cmd.OutOrStdout())}
		session, closeClient, err := openSession(ctx, cmd, args[0], func(opts *collab.Options) {
			opts.OnPresenceChange = out.presence
			opts.OnRemoteChange = out.change
			opts.OnConnectivity = out.connectivity
			opts.ReceiveAllSections = all
		})
		if err != nil {
			return err
		}
		defer closeClient()
		defer session.Close(context.Background())

		if section != "" {
			if err := session.UpdateSection(ctx, &section); err != nil {
				return err
			}
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if session.State() == collab.StateClosed {
					return errors.New("connection closed by server")
				}
			}
		}
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <report-id> <section-id>",
	Short: "Broadcast a block list to the report's participants without persisting it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		list, err := readBlocks(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		session, closeClient, err := openSession(ctx, cmd, args[0], nil)
		if err != nil {
			return err
		}
		defer closeClient()
		defer session.Close(context.Background())

		if err := session.BroadcastChange(ctx, args[1], blocks.Sorted(list)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "sent %d blocks to section %s\n", len(list), args[1])
		return nil
	},
}

func openSession(ctx context.Context, cmd *cobra.Command, reportID string, configure func(*collab.Options)) (*collab.Session, func(), error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		return nil, nil, errors.New("a token is required (--token or LEXREPORT_TOKEN)")
	}
	log := newLogger(cmd)

	identity, err := fetchIdentity(ctx, server, token)
	if err != nil {
		return nil, nil, err
	}
	wsURL, err := realtimeURL(server, token)
	if err != nil {
		return nil, nil, err
	}
	client, err := realtime.DialWS(ctx, wsURL, log)
	if err != nil {
		return nil, nil, err
	}

	opts := collab.Options{Transport: client, Logger: log}
	if configure != nil {
		configure(&opts)
	}
	session, err := collab.Open(ctx, reportID, identity, opts)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Info().Str("report", reportID).Str("user", identity.UserID).Msg("joined")
	return session, func() { _ = client.Close() }, nil
}

func readBlocks(stdin io.Reader, path string) ([]blocks.Block, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read blocks: %w", err)
	}
	list, err := blocks.DecodeList(data)
	if err != nil {
		return nil, fmt.Errorf("decode blocks from %s: %w", path, err)
	}
	return list, nil
}

type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *eventPrinter) emit(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(v)
}

func (p *eventPrinter) presence(active, inSection []presence.User) {
	p.emit(map[string]any{"event": "presence", "active": active, "inSection": inSection})
}

func (p *eventPrinter) change(sectionID string, list []blocks.Block) {
	p.emit(map[string]any{"event": "change", "sectionId": sectionID, "contentBlocks": list})
}

func (p *eventPrinter) connectivity(connected bool) {
	p.emit(map[string]any{"event": "connectivity", "connected": connected, "at": time.Now().UTC().Format(time.RFC3339)})
}

