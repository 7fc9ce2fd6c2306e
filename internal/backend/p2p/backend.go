// Package p2p is the reference media backend. It serves point-to-point
// sessions, where the answer of a linked callee is handed to its caller, and
// proxy sessions, where the offer is re-originated by this server.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/mediacore/internal/links"
	"github.com/ent0n29/mediacore/internal/session"
)

const (
	TypeP2P   = "p2p"
	TypeProxy = "proxy"

	// ProxyOrigin is the origin username written into proxied offers.
	ProxyOrigin = "mediacore"
)

// Peers resolves session ids to running actors.
type Peers interface {
	Lookup(id string) (*session.Actor, error)
}

// State is the typed side-table kept in Session.BackendState.
type State struct {
	OfferMedia  []string `json:"offer_media"`
	AnswerMedia []string `json:"answer_media"`
	Recording   bool     `json:"recording"`
	Propagated  bool     `json:"propagated"`
}

// Backend serves one session.
type Backend struct {
	session.BaseBackend

	peers Peers
	state *State
}

// NewService returns a service whose sessions are served by this backend.
func NewService(id string, peers Peers) *session.Service {
	return &session.Service{
		ID: id,
		NewBackend: func(sessionType string) (session.Backend, error) {
			return New(sessionType, peers)
		},
	}
}

func New(sessionType string, peers Peers) (*Backend, error) {
	switch sessionType {
	case TypeP2P, TypeProxy:
	default:
		return nil, session.Validation(session.ErrUnknownType.Code, sessionType)
	}
	return &Backend{peers: peers}, nil
}

func (b *Backend) Init(s *session.Session) error {
	b.state = &State{}
	s.BackendState = b.state
	return nil
}

func (b *Backend) Start(_ context.Context, s *session.Session) (session.Result, error) {
	if !s.Offer.HasMedia() {
		// The core rejects the start with missing_offer.
		return session.Result{}, nil
	}
	desc, kinds, err := parse(s.Offer.SDP())
	if err != nil {
		return session.Result{}, session.Validation(session.ErrInvalidOffer.Code, err.Error())
	}
	b.state.OfferMedia = kinds

	res := session.Result{TypeExt: map[string]any{"media": kinds}}
	if s.Type == TypeProxy {
		desc.Origin.Username = ProxyOrigin
		desc.Origin.SessionVersion++
		raw, err := desc.Marshal()
		if err != nil {
			return session.Result{}, fmt.Errorf("marshal proxy offer: %w", err)
		}
		res.Offer = session.Payload{session.MediaField: string(raw), "proxied": true}
	}
	return res, nil
}

// Answer validates the media description against the offer and hands it to
// the caller peer, if any.
func (b *Backend) Answer(_ context.Context, s *session.Session, answer session.Payload) (session.Result, error) {
	if !answer.HasMedia() {
		return session.Result{}, nil
	}
	_, kinds, err := parse(answer.SDP())
	if err != nil {
		return session.Result{}, session.Validation(session.ErrInvalidAnswer.Code, err.Error())
	}
	offered := make(map[string]bool, len(b.state.OfferMedia))
	for _, k := range b.state.OfferMedia {
		offered[k] = true
	}
	for _, k := range kinds {
		if !offered[k] {
			return session.Result{}, session.Validation(session.ErrInvalidAnswer.Code, "media "+k+" was not offered")
		}
	}
	b.state.AnswerMedia = kinds

	if s.CallerPeer != "" && b.peers != nil {
		b.propagate(s, answer)
	}
	return session.Result{Reply: map[string]any{"media": kinds}}, nil
}

func (b *Backend) propagate(s *session.Session, answer session.Payload) {
	caller, err := b.peers.Lookup(s.CallerPeer)
	if err != nil {
		log.Warn().Str("module", "backend.p2p").Str("session_id", s.ID).Str("caller", s.CallerPeer).Msg("caller peer vanished before answer")
		return
	}
	if err := caller.SetAnswerAsync(answer.Clone()); err != nil {
		log.Warn().Str("module", "backend.p2p").Str("session_id", s.ID).Err(err).Msg("answer propagation failed")
		return
	}
	b.state.Propagated = true
}

// Update supports the media, type and record operations.
func (b *Backend) Update(ctx context.Context, s *session.Session, op string, opts map[string]any) (session.Result, error) {
	switch op {
	case "media":
		ext, err := mediaOptions(opts)
		if err != nil {
			return session.Result{}, err
		}
		return session.Result{Reply: ext, TypeExt: ext}, nil
	case "type":
		typ, _ := opts["type"].(string)
		switch typ {
		case TypeP2P, TypeProxy:
		default:
			return session.Result{}, session.Validation(session.ErrUnknownType.Code, typ)
		}
		ext := map[string]any{}
		if in, ok := opts["type_ext"].(map[string]any); ok {
			for k, v := range in {
				ext[k] = v
			}
		}
		if _, ok := ext["media"]; !ok && len(b.state.OfferMedia) > 0 {
			ext["media"] = b.state.OfferMedia
		}
		return session.Result{Type: typ, TypeExt: ext}, nil
	case "record":
		on, ok := opts["record"].(bool)
		if !ok {
			return session.Result{}, session.Validation("invalid_option", "record must be a boolean")
		}
		b.state.Recording = on
		return session.Result{Reply: on, TypeExt: map[string]any{"record": on}}, nil
	default:
		return b.BaseBackend.Update(ctx, s, op, opts)
	}
}

func (b *Backend) Event(s *session.Session, ev session.Event) {
	if ev.Kind == session.EventStop {
		log.Debug().Str("module", "backend.p2p").Str("session_id", s.ID).Str("reason", session.CodeOf(ev.Reason)).Bool("recording", b.state.Recording).Msg("session released")
	}
}

// HandleDown keeps the default cascade but logs which side went away.
func (b *Backend) HandleDown(s *session.Session, key links.Key, reason error) session.Decision {
	if key.IsPeer() {
		log.Info().Str("module", "backend.p2p").Str("session_id", s.ID).Str("peer", key.String()).Str("reason", session.CodeOf(reason)).Msg("peer down")
	}
	return b.BaseBackend.HandleDown(s, key, reason)
}

func (b *Backend) Terminate(s *session.Session, _ error) {
	b.state.Recording = false
	s.BackendState = nil
}

// UnknownCall answers "state" with a copy of the side-table.
func (b *Backend) UnknownCall(s *session.Session, req any) (any, error) {
	if req == "state" {
		st := *b.state
		return st, nil
	}
	return b.BaseBackend.UnknownCall(s, req)
}

func mediaOptions(opts map[string]any) (map[string]any, error) {
	if len(opts) == 0 {
		return nil, session.Validation("invalid_option", "no media options")
	}
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		switch k {
		case "mute_audio", "mute_video":
			on, ok := v.(bool)
			if !ok {
				return nil, session.Validation("invalid_option", k+" must be a boolean")
			}
			out[k] = on
		case "bitrate":
			switch n := v.(type) {
			case int:
				out[k] = n
			case float64:
				out[k] = int(n)
			default:
				return nil, session.Validation("invalid_option", "bitrate must be a number")
			}
		default:
			return nil, session.Validation("invalid_option", "unknown media option "+k)
		}
	}
	return out, nil
}

// parse decodes raw SDP and returns its sorted, distinct media kinds.
func parse(raw string) (*sdp.SessionDescription, []string, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, nil, fmt.Errorf("parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, nil, errors.New("sdp has no media sections")
	}
	seen := make(map[string]bool)
	var kinds []string
	for _, md := range desc.MediaDescriptions {
		kind := strings.ToLower(md.MediaName.Media)
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return desc, kinds, nil
}
