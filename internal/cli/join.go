package cli

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voiced/internal/app/voice"
	"github.com/dkeye/voiced/internal/domain"
)

var (
	flagChannel  string
	flagServer   string
	flagMuted    bool
	flagDeafened bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a voice channel and stay until interrupted",
	Long: `Join a voice channel without the control API. Session changes and the
participant list are logged as they happen.

Examples:
  voiced join --channel general --server 42
  voiced join --channel general --muted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return join(cmd.Context(), domain.ChannelID(flagChannel), domain.ServerID(flagServer))
	},
}

func join(ctx context.Context, channel domain.ChannelID, server domain.ServerID) error {
	rt, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.voice.SetMuted(flagMuted)
	rt.voice.SetDeafened(flagDeafened)
	if err := rt.voice.Connect(ctx, channel, server); err != nil {
		return err
	}

	feed, cancel := rt.voice.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rt.lost:
			return errGatewayLost
		case snap, ok := <-feed:
			if !ok {
				return nil
			}
			logSnapshot(snap)
			if snap.Session.State == domain.StateFailed {
				return errors.New(snap.Session.LastError)
			}
			if snap.Session.State == domain.StateDisconnected {
				return nil
			}
		}
	}
}

func logSnapshot(snap voice.Snapshot) {
	ev := log.Info().
		Str("module", "cli").
		Uint64("seq", snap.Seq).
		Stringer("state", snap.Session.State).
		Str("channel", string(snap.Session.ChannelID)).
		Bool("muted", snap.Session.SelfMuted).
		Bool("deafened", snap.Session.SelfDeafened)
	var speakers []string
	for _, u := range snap.Users {
		if u.Speaking {
			speakers = append(speakers, string(u.UserID))
		}
	}
	ev.Strs("speaking", speakers).Int("users", len(snap.Users)).Msg("session")
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagChannel, "channel", "c", "", "Voice channel id")
	joinCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Server id owning the channel")
	joinCmd.Flags().BoolVarP(&flagMuted, "muted", "m", false, "Join muted")
	joinCmd.Flags().BoolVarP(&flagDeafened, "deafened", "d", false, "Join deafened")
	_ = joinCmd.MarkFlagRequired("channel")
}
