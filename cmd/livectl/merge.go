package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"lexreport/api/internal/blocks"
	"lexreport/api/internal/conflict"
)

func init() {
	mergeCmd.Flags().String("local", "", "local block list (JSON file)")
	mergeCmd.Flags().String("remote", "", "remote block list (JSON file)")
	mergeCmd.Flags().String("base", "", "common ancestor block list (JSON file); empty means no ancestor")
	mergeCmd.Flags().Bool("track-deletes", false, "honor deletions on either side")
	mergeCmd.Flags().Bool("lww", false, "pick a whole side by timestamp instead of merging")
	mergeCmd.Flags().String("local-at", "", "local edit time (RFC3339), used with --lww")
	mergeCmd.Flags().String("remote-at", "", "remote edit time (RFC3339), used with --lww")
	_ = mergeCmd.MarkFlagRequired("local")
	_ = mergeCmd.MarkFlagRequired("remote")
	rootCmd.AddCommand(mergeCmd)
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Reconcile two versions of a section's blocks and print the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var in mergeInput
		in.localPath, _ = cmd.Flags().GetString("local")
		in.remotePath, _ = cmd.Flags().GetString("remote")
		in.basePath, _ = cmd.Flags().GetString("base")
		in.trackDeletes, _ = cmd.Flags().GetBool("track-deletes")
		in.lww, _ = cmd.Flags().GetBool("lww")
		in.localAt, _ = cmd.Flags().GetString("local-at")
		in.remoteAt, _ = cmd.Flags().GetString("remote-at")
		return runMerge(cmd.InOrStdin(), cmd.OutOrStdout(), in)
	},
}

type mergeInput struct {
	localPath, remotePath, basePath string
	trackDeletes, lww               bool
	localAt, remoteAt               string
}

func runMerge(stdin io.Reader, out io.Writer, in mergeInput) error {
	local, err := readBlocks(stdin, in.localPath)
	if err != nil {
		return err
	}
	remote, err := readBlocks(stdin, in.remotePath)
	if err != nil {
		return err
	}

	var result []blocks.Block
	if in.lww {
		if in.localAt == "" || in.remoteAt == "" {
			return errors.New("--lww needs --local-at and --remote-at")
		}
		localAt, err := time.Parse(time.RFC3339, in.localAt)
		if err != nil {
			return fmt.Errorf("parse --local-at: %w", err)
		}
		remoteAt, err := time.Parse(time.RFC3339, in.remoteAt)
		if err != nil {
			return fmt.Errorf("parse --remote-at: %w", err)
		}
		result = conflict.ResolveConflict(local, remote, localAt, remoteAt)
	} else {
		var base []blocks.Block
		if in.basePath != "" {
			if base, err = readBlocks(stdin, in.basePath); err != nil {
				return err
			}
		}
		var opts []conflict.Option
		if in.trackDeletes {
			opts = append(opts, conflict.WithDeleteTracking())
		}
		result = conflict.MergeBlocks(local, remote, base, opts...)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
