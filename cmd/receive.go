package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adwski/beacon/client/share"
	"github.com/adwski/beacon/client/transfer"
	"github.com/spf13/cobra"
)

var receiveFlags peerFlags

var receiveCmd = &cobra.Command{
	Use:   "receive CODE",
	Short: "Download the files shared under a code",
	Args:  cobra.ExactArgs(1),
	RunE:  runReceive,
}

func init() {
	receiveFlags.register(receiveCmd.Flags())
	receiveCmd.Flags().StringP("out", "o", ".", "output directory")
	rootCmd.AddCommand(receiveCmd)
}

func runReceive(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, client, err := peerSetup(cmd, &receiveFlags)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	code := share.NormalizeCode(args[0])
	info, err := share.Resolve(ctx, client, code)
	if err != nil {
		return err
	}
	for _, f := range info.Files {
		logger.Info().Str("file", f.Name).Int64("size", f.Size).Str("type", f.Type).Msg("offered")
	}

	outDir, _ := cmd.Flags().GetString("out")
	delivery, err := share.Fetch(ctx, share.FetchConfig{
		Logger:        &logger,
		Client:        client,
		Events:        share.FileShareEvents,
		HostID:        info.HostEndpointID,
		NewNegotiator: receiveFlags.negotiators(&logger),
		Receiver: transfer.ReceiverConfig{
			Expected: len(info.Files),
			Label:    info.Code,
			NewSink:  transfer.TempFileSinks(outDir),
		},
	})
	incomplete := errors.Is(err, transfer.ErrIncompleteTransfer)
	if err != nil && !incomplete {
		return err
	}
	defer func() { _ = delivery.Close() }()

	path := filepath.Join(outDir, filepath.Base(delivery.Name))
	if err = save(path, delivery.Data); err != nil {
		return err
	}
	for _, f := range delivery.Files {
		if len(f.Missing) > 0 {
			logger.Warn().Str("file", f.Name).Ints("missingChunks", f.Missing).Msg("file is incomplete")
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", path, delivery.Size)
	if incomplete {
		return transfer.ErrIncompleteTransfer
	}
	return nil
}

func save(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
