// Package share moves file batches between endpoints that found each other
// through the relay, either by share code or by a room's video-file
// announcement.
//
// The owner of the files runs a Seeder. A receiver resolves the owner's
// endpoint id and calls Fetch, which asks the owner for the files. The
// Seeder answers with a ready message and a responder peer session; the
// receiver then initiates negotiation and the batch is streamed over the
// resulting channel.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/client/relay"
	"github.com/adwski/beacon/client/transfer"
)

// Relay messages for expired and unknown codes.
const (
	msgShareInvalid = "Invalid or expired share code"
	msgShareExpired = "Share code has expired"
)

var (
	ErrShareNotFound = errors.New("share not found")
	ErrShareExpired  = errors.New("share expired")
	ErrBadCode       = errors.New("malformed share code")
	ErrNoReady       = errors.New("host did not answer the request")
	ErrHostGone      = errors.New("host is gone")
)

// Events names the relay messages a flow is carried on.
type Events struct {
	Request string
	Ready   string
	Signal  string
}

var (
	FileShareEvents = Events{
		Request: model.TypeFileShareRequest,
		Ready:   model.TypeFileShareReady,
		Signal:  model.TypeFileShareSignal,
	}
	VideoFileEvents = Events{
		Request: model.TypeVideoFileRequest,
		Ready:   model.TypeVideoFileReady,
		Signal:  model.TypeVideoFileSignal,
	}
)

// Manifest describes sources the way the relay stores them.
func Manifest(files []transfer.Source) []model.FileInfo {
	out := make([]model.FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, model.FileInfo{Name: f.Name(), Size: f.Size(), Type: f.MimeType()})
	}
	return out
}

// Create registers files under code. The relay only answers on failure,
// so success is not confirmed.
func Create(ctx context.Context, client *relay.Client, code string, files []model.FileInfo) error {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return ErrBadCode
	}
	return client.Send(ctx, model.TypeFileShareCreate, model.ShareCreate{Code: code, Files: files})
}

// Resolve looks up a share code.
func Resolve(ctx context.Context, client *relay.Client, code string) (model.ShareInfo, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return model.ShareInfo{}, ErrBadCode
	}
	reply, err := client.Request(ctx, model.TypeFileShareJoin, model.ShareCode{Code: code})
	if err != nil {
		switch {
		case !errors.Is(err, relay.ErrRemote):
			return model.ShareInfo{}, err
		case strings.Contains(err.Error(), msgShareExpired):
			return model.ShareInfo{}, errors.Join(ErrShareExpired, err)
		default:
			return model.ShareInfo{}, errors.Join(ErrShareNotFound, err)
		}
	}
	var info model.ShareInfo
	if err = reply.Decode(&info); err != nil {
		return model.ShareInfo{}, err
	}
	return info, nil
}

// Cancel withdraws a share owned by this connection.
func Cancel(ctx context.Context, client *relay.Client, code string) error {
	return client.Send(ctx, model.TypeFileShareCancel, model.ShareCode{Code: NormalizeCode(code)})
}

// relaySignaler carries peer negotiation payloads on a flow's signal event.
type relaySignaler struct {
	client *relay.Client
	typ    string
}

func (rs *relaySignaler) Signal(ctx context.Context, to string, payload json.RawMessage) error {
	return rs.client.Send(ctx, rs.typ, model.Directed{To: to, Signal: payload})
}
