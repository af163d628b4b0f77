package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/client/playback"
	"github.com/adwski/beacon/client/room"
	"github.com/adwski/beacon/client/transfer"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var watchFlags peerFlags

var watchCmd = &cobra.Command{
	Use:   "watch ROOM",
	Short: "Join a room and follow its playback timeline",
	Long: `Joins a room with a headless player that follows the host.
Commands on stdin: play, pause, seek SECONDS, url URL, chat TEXT,
dm USER_ID TEXT, share FILE, unshare, fetch, who, status, quit.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchFlags.register(watchCmd.Flags())
	watchCmd.Flags().StringP("out", "o", ".", "directory for fetched video files")
	rootCmd.AddCommand(watchCmd)
}

type watcher struct {
	out    io.Writer
	outDir string
	logger zerolog.Logger
	room   *room.Room
	player *playback.VirtualPlayer

	stopShare context.CancelFunc
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, client, err := peerSetup(cmd, &watchFlags)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	outDir, _ := cmd.Flags().GetString("out")
	w := &watcher{
		out:    cmd.OutOrStdout(),
		outDir: outDir,
		logger: logger,
		player: playback.NewVirtualPlayer(nil),
	}
	w.room, err = room.Join(ctx, room.Config{
		Logger:        &logger,
		Client:        client,
		RoomID:        args[0],
		Player:        w.player,
		NewNegotiator: watchFlags.negotiators(&logger),
		OnParticipants: func(ps []model.Participant) {
			logger.Info().Int("participants", len(ps)).Msg("participants changed")
		},
		OnHostChanged: func(hostID string, isHost bool) {
			logger.Info().Str("host", hostID).Bool("isHost", isHost).Msg("host changed")
		},
		OnChat: func(msg model.ChatMessage) {
			fmt.Fprintf(w.out, "<%s> %s\n", msg.Username, msg.Message)
		},
		OnPrivate: func(msg model.PrivateMessage) {
			if msg.From != nil {
				fmt.Fprintf(w.out, "*%s* %s\n", msg.From.Username, msg.Message)
			}
		},
		OnVideoURL: func(url string) {
			logger.Info().Str("url", url).Msg("video changed")
		},
		OnVideoFile: func(info *model.VideoFileInfo) {
			if info == nil {
				logger.Info().Msg("video file withdrawn")
				return
			}
			logger.Info().Str("file", info.FileInfo.Name).Int64("size", info.FileInfo.Size).Msg("video file offered")
		},
	})
	if err != nil {
		return err
	}
	w.player.OnEvent(func(kind playback.EventKind) {
		if pErr := w.room.Coordinator().HandlePlayerEvent(ctx, kind); pErr != nil {
			logger.Warn().Err(pErr).Msg("cannot publish playback command")
		}
	})
	defer func() {
		lctx, lcancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
		defer lcancel()
		_ = w.room.Leave(lctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.room.Done():
			return client.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, cErr := w.exec(ctx, line)
			if cErr != nil {
				fmt.Fprintf(w.out, "error: %v\n", cErr)
			}
			if quit {
				return nil
			}
		}
	}
}

func (w *watcher) exec(ctx context.Context, line string) (bool, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "":
	case "play":
		w.player.Play()
	case "pause":
		w.player.Pause()
	case "seek":
		pos, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return false, err
		}
		w.player.Seek(pos)
	case "url":
		return false, w.room.SetVideoURL(ctx, rest)
	case "chat":
		return false, w.room.Chat(ctx, rest)
	case "dm":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			return false, errors.New("usage: dm USER_ID TEXT")
		}
		return false, w.room.SendPrivate(ctx, to, text)
	case "share":
		return false, w.share(ctx, rest)
	case "unshare":
		if w.stopShare != nil {
			w.stopShare()
			w.stopShare = nil
		}
	case "fetch":
		go w.fetch(ctx)
	case "who":
		for _, p := range w.room.Participants() {
			marker := ""
			if p.ID == w.room.Host() {
				marker = " (host)"
			}
			fmt.Fprintf(w.out, "%s%s\n", p.Username, marker)
		}
	case "status":
		st := w.room.Coordinator().State()
		fmt.Fprintf(w.out, "url=%q playing=%v position=%.2fs host=%v\n",
			st.URL, w.player.Playing(), w.player.Position(), w.room.IsHost())
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", verb)
	}
	return false, nil
}

func (w *watcher) share(ctx context.Context, path string) error {
	if !w.room.IsHost() {
		return room.ErrNotHost
	}
	src, err := transfer.OpenFile(path)
	if err != nil {
		return err
	}
	if w.stopShare != nil {
		w.stopShare()
	}
	sctx, cancel := context.WithCancel(ctx)
	w.stopShare = cancel
	go func() {
		defer func() { _ = src.Close() }()
		if sErr := w.room.ShareVideoFile(sctx, src, transfer.SenderConfig{}); sErr != nil {
			w.logger.Error().Err(sErr).Str("file", src.Name()).Msg("video file share ended")
		}
	}()
	return nil
}

func (w *watcher) fetch(ctx context.Context) {
	delivery, err := w.room.FetchVideoFile(ctx, transfer.ReceiverConfig{NewSink: transfer.TempFileSinks(w.outDir)})
	if err != nil && !errors.Is(err, transfer.ErrIncompleteTransfer) {
		w.logger.Error().Err(err).Msg("video file fetch failed")
		return
	}
	defer func() { _ = delivery.Close() }()
	path := filepath.Join(w.outDir, filepath.Base(delivery.Name))
	if sErr := save(path, delivery.Data); sErr != nil {
		w.logger.Error().Err(sErr).Msg("cannot save video file")
		return
	}
	ev := w.logger.Info()
	if err != nil {
		ev = w.logger.Warn().Err(err)
	}
	ev.Str("path", path).Int64("size", delivery.Size).Msg("video file saved")
}
