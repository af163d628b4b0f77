package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/adwski/beacon/client/share"
	"github.com/adwski/beacon/client/transfer"
	"github.com/spf13/cobra"
)

var sendFlags peerFlags

var sendCmd = &cobra.Command{
	Use:   "send FILE...",
	Short: "Share files under a code and serve them until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendFlags.register(sendCmd.Flags())
	sendCmd.Flags().String("code", "", "share code (random if empty)")
	sendCmd.Flags().Int("chunk-size", transfer.DefaultChunkSize, "chunk size in bytes")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, client, err := peerSetup(cmd, &sendFlags)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	files := make([]transfer.Source, 0, len(args))
	for _, path := range args {
		f, oErr := transfer.OpenFile(path)
		if oErr != nil {
			return oErr
		}
		defer func() { _ = f.Close() }()
		files = append(files, f)
	}

	code, _ := cmd.Flags().GetString("code")
	if code == "" {
		if code, err = share.GenerateCode(); err != nil {
			return err
		}
	}
	code = share.NormalizeCode(code)
	if err = share.Create(ctx, client, code, share.Manifest(files)); err != nil {
		return err
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
		defer ccancel()
		_ = share.Cancel(cctx, client, code)
	}()

	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	seeder, err := share.NewSeeder(share.SeederConfig{
		Logger:        &logger,
		Client:        client,
		Events:        share.FileShareEvents,
		Files:         files,
		NewNegotiator: sendFlags.negotiators(&logger),
		Sender: transfer.SenderConfig{
			ChunkSize: chunkSize,
			Progress: func(p transfer.Progress) {
				logger.Debug().
					Str("file", p.FileName).
					Int("chunk", p.Chunks).
					Int("of", p.TotalChunks).
					Msg("progress")
			},
		},
		OnServed: func(peerID string, err error) {
			if err == nil {
				logger.Info().Str("peer", peerID).Msg("files delivered")
			}
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "share code: %s\n", code)
	if err = seeder.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
