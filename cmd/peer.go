package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/adwski/beacon/client/peer"
	"github.com/adwski/beacon/client/relay"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var errNoToken = errors.New("a token is required: pass --token or set BEACON_TOKEN")

// peerFlags are shared by every command that connects to a relay as a peer.
type peerFlags struct {
	relayURL   string
	token      string
	iceServers []string
	turnUser   string
	turnPass   string
}

func (pf *peerFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&pf.relayURL, "relay", "r", envOr("BEACON_RELAY", "ws://localhost:8888/signal"), "relay signaling url")
	fs.StringVarP(&pf.token, "token", "t", envOr("BEACON_TOKEN", ""), "credential issued by the auth service")
	fs.StringSliceVar(&pf.iceServers, "ice-server", []string{"stun:stun.l.google.com:19302"}, "ICE server url (repeatable)")
	fs.StringVar(&pf.turnUser, "turn-username", "", "username for turn: ICE servers")
	fs.StringVar(&pf.turnPass, "turn-password", "", "password for turn: ICE servers")
}

func (pf *peerFlags) dial(ctx context.Context, logger *zerolog.Logger) (*relay.Client, error) {
	if pf.token == "" {
		return nil, errNoToken
	}
	return relay.Dial(ctx, relay.Config{Logger: logger, URL: pf.relayURL, Token: pf.token})
}

func (pf *peerFlags) negotiators(logger *zerolog.Logger) func() (peer.Negotiator, error) {
	servers := make([]webrtc.ICEServer, 0, len(pf.iceServers))
	for _, u := range pf.iceServers {
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn") {
			s.Username = pf.turnUser
			s.Credential = pf.turnPass
		}
		servers = append(servers, s)
	}
	return peer.PionFactory(peer.PionConfig{Logger: logger, ICEServers: servers})
}

// peerSetup builds the logger and dials the relay for a peer command.
func peerSetup(cmd *cobra.Command, pf *peerFlags) (zerolog.Logger, *relay.Client, error) {
	logger, err := newLogger()
	if err != nil {
		return logger, nil, err
	}
	client, err := pf.dial(cmd.Context(), &logger)
	if err != nil {
		return logger, nil, err
	}
	logger = logger.With().Str("endpointID", client.EndpointID()).Logger()
	return logger, client, nil
}
