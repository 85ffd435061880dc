// Package session runs one client in one room: the signaling receive loop,
// the peer table and the registry of resources this client provides.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/crypto"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotReady          = errors.New("no client id assigned yet")
	ErrResourceNotFound  = peer.ErrResourceNotFound
	ErrDuplicateResource = errors.New("resource id already provided")
	ErrDisconnected      = errors.New("signaling connection lost")
)

// Conn is the signaling transport. *signaling.Client implements it.
type Conn interface {
	Send(protocol.ServerboundPacket) error
	// Packets is closed when the connection ends.
	Packets() <-chan protocol.ClientboundPacket
}

// MediaFactory opens a fresh peer transport towards remote.
type MediaFactory func(remote domain.ClientID) (core.MediaConnection, error)

type Options struct {
	Secret   string
	Username string
	// PingPeriod is the keepalive interval, 30s when zero.
	PingPeriod         time.Duration
	NegotiationTimeout time.Duration
}

type Instance struct {
	key      *crypto.Key
	hash     domain.RoomHash
	username string
	opts     Options
	conn     Conn
	media    MediaFactory
	handler  EventHandler
	log      zerolog.Logger

	id atomic.Uint64

	mu    sync.RWMutex
	peers map[domain.ClientID]*peer.Peer
	local map[string]peer.LocalResource
}

// New derives the room key and hash from opts.Secret. Derivation is slow,
// so build one Instance per room and keep it.
func New(conn Conn, media MediaFactory, handler EventHandler, opts Options) (*Instance, error) {
	key, err := crypto.Derive(opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("derive room key: %w", err)
	}
	return newInstance(key, crypto.RoomHash(opts.Secret), conn, media, handler, opts)
}

func newInstance(key *crypto.Key, hash domain.RoomHash, conn Conn, media MediaFactory, handler EventHandler, opts Options) (*Instance, error) {
	if err := domain.ValidateUsername(opts.Username); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = BaseHandler{}
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}
	return &Instance{
		key:      key,
		hash:     hash,
		username: opts.Username,
		opts:     opts,
		conn:     conn,
		media:    media,
		handler:  handler,
		log:      log.With().Str("module", "session").Str("room", string(hash)).Logger(),
		peers:    make(map[domain.ClientID]*peer.Peer),
		local:    make(map[string]peer.LocalResource),
	}, nil
}

// ID is our id in the room, zero until the server's init arrived.
func (i *Instance) ID() domain.ClientID { return domain.ClientID(i.id.Load()) }

func (i *Instance) RoomHash() domain.RoomHash { return i.hash }

func (i *Instance) Username() string { return i.username }

// Run joins the room and processes packets until ctx ends or the signaling
// connection is lost. All peers are closed on return.
func (i *Instance) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	defer i.closePeers()

	hash := i.hash
	if err := i.conn.Send(protocol.Join{Hash: &hash}); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	i.log.Info().Msg("joining room")

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p, ok := <-i.conn.Packets():
				if !ok {
					return ErrDisconnected
				}
				i.dispatch(ctx, p)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(i.opts.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := i.conn.Send(protocol.Ping{}); err != nil {
					return fmt.Errorf("keepalive: %w", err)
				}
			}
		}
	})
	return g.Wait()
}

func (i *Instance) closePeers() {
	i.mu.Lock()
	peers := i.peers
	i.peers = make(map[domain.ClientID]*peer.Peer)
	i.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}

// Peer returns the remote participant with the given id.
func (i *Instance) Peer(id domain.ClientID) (*peer.Peer, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p, ok := i.peers[id]
	return p, ok
}

func (i *Instance) Peers() []*peer.Peer {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(i.peers))
	for _, p := range i.peers {
		out = append(out, p)
	}
	return out
}

// SendRelay seals m and sends it to one peer.
func (i *Instance) SendRelay(to domain.ClientID, m protocol.RelayMessage) error {
	return i.relay(&to, m)
}

// Broadcast seals m and sends it to everyone in the room.
func (i *Instance) Broadcast(m protocol.RelayMessage) error {
	return i.relay(nil, m)
}

// Chat broadcasts a text message.
func (i *Instance) Chat(text string) error {
	return i.Broadcast(protocol.Chat{Text: &text})
}

func (i *Instance) relay(to *domain.ClientID, m protocol.RelayMessage) error {
	me := i.ID()
	if me == 0 {
		return ErrNotReady
	}
	plain, err := protocol.RelayMessageWrapper{Sender: me, Inner: m}.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode relay: %w", err)
	}
	sealed, err := i.key.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("seal relay: %w", err)
	}
	return i.conn.Send(protocol.Relay{Recipient: to, Message: sealed})
}

// WatchRooms replaces the set of rooms whose occupancy is reported through
// EventHandler.RoomInfo.
func (i *Instance) WatchRooms(hashes ...domain.RoomHash) error {
	return i.conn.Send(protocol.WatchRooms(hashes))
}

// AddLocalResource registers r and announces it to every current peer.
// Peers joining later get it with their handshake.
func (i *Instance) AddLocalResource(r peer.LocalResource) error {
	info := r.Info()
	i.mu.Lock()
	if _, ok := i.local[info.ID]; ok {
		i.mu.Unlock()
		return ErrDuplicateResource
	}
	i.local[info.ID] = r
	peers := i.peerList()
	i.mu.Unlock()

	i.log.Info().Str("resource_id", info.ID).Str("kind", info.Kind).Int("peers", len(peers)).Msg("providing resource")
	for _, p := range peers {
		if err := p.SendRelay(protocol.Provide(info)); err != nil {
			i.log.Warn().Err(err).Stringer("peer_id", p.ID).Msg("provide failed")
		}
	}
	return nil
}

// RemoveLocalResource withdraws a resource from every current peer. A
// resource that implements io.Closer is closed afterwards.
func (i *Instance) RemoveLocalResource(id string) error {
	i.mu.Lock()
	r, ok := i.local[id]
	if !ok {
		i.mu.Unlock()
		return ErrResourceNotFound
	}
	delete(i.local, id)
	peers := i.peerList()
	i.mu.Unlock()

	i.log.Info().Str("resource_id", id).Msg("withdrawing resource")
	for _, p := range peers {
		if err := p.SendRelay(protocol.ProvideStop{ID: id}); err != nil {
			i.log.Warn().Err(err).Stringer("peer_id", p.ID).Msg("provide stop failed")
		}
	}
	if c, ok := r.(io.Closer); ok {
		if err := c.Close(); err != nil {
			i.log.Warn().Err(err).Str("resource_id", id).Msg("close resource")
		}
	}
	return nil
}

// LocalResources lists what this client provides.
func (i *Instance) LocalResources() []domain.ProvideInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]domain.ProvideInfo, 0, len(i.local))
	for _, r := range i.local {
		out = append(out, r.Info())
	}
	return out
}

// peerList must be called with mu held.
func (i *Instance) peerList() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(i.peers))
	for _, p := range i.peers {
		out = append(out, p)
	}
	return out
}
