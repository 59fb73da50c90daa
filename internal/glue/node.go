// Package glue is the composition root: it wires C1-C11 plus the ambient
// config/logging/metrics/storage stack into one running node, without any
// component holding a back-pointer to another concrete component's type
// (spec §9's "arena" design note — every collaborator is handed a
// narrow interface or a concrete leaf type it already depends on).
//
// Grounded on mixmasala-server/server.go's Server: the same
// init-data-dir / init-logging / init-identity-and-link-keys / build-
// components ordering, and the same haltOnce-guarded, deliberately
// ordered Shutdown.
package glue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/eddsa"
	"github.com/prometheus/client_golang/prometheus"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/hashcloak/mixnode/internal/action"
	"github.com/hashcloak/mixnode/internal/chainview"
	"github.com/hashcloak/mixnode/internal/config"
	"github.com/hashcloak/mixnode/internal/currency"
	"github.com/hashcloak/mixnode/internal/decoder"
	"github.com/hashcloak/mixnode/internal/expectation"
	"github.com/hashcloak/mixnode/internal/keymap"
	"github.com/hashcloak/mixnode/internal/kvstore"
	"github.com/hashcloak/mixnode/internal/metrics"
	"github.com/hashcloak/mixnode/internal/nodelog"
	"github.com/hashcloak/mixnode/internal/replay"
	"github.com/hashcloak/mixnode/internal/session"
	"github.com/hashcloak/mixnode/internal/surbstore"
	"github.com/hashcloak/mixnode/internal/ticket"
	"github.com/hashcloak/mixnode/internal/types"
	"github.com/hashcloak/mixnode/internal/workerpool"
)

const dataDirMode = os.ModeDir | 0700

// Node is a fully wired mixnode instance: C1 (keymap), C2 (surbstore),
// C3 (replay), C4 (packetcodec, driven from within C7), C5 (chainview),
// C6 (ticket), C7 (decoder), C8 (expectation), C9/C10 (session), C11
// (action), plus storage, logging, metrics and crypto worker offload.
type Node struct {
	cfg *config.Config

	log        *nodelog.Backend
	mainLogger *logging.Logger

	registry *prometheus.Registry

	store *kvstore.Store

	identityKey *eddsa.PrivateKey // chain-signing key (C6/C11)
	packetKey   *ecdh.PrivateKey  // Sphinx packet key (C4/C7)
	chainAddr   types.ChainAddress
	selfKeyID   types.KeyID

	view    chainview.View
	mapper  *keymap.Mapper
	surbs   *surbstore.Store
	filter  *replay.Filter
	tracker *ticket.Tracker
	pending *ticket.PendingTable
	expect  *expectation.Tracker
	actions *action.Runner
	decoder *decoder.Decoder
	workers *workerpool.Pool

	sessMu   sync.Mutex
	sessions map[string]*session.Socket

	haltOnce sync.Once
}

// Submitter is supplied by the caller of New: the chain-write collaborator
// C11 (internal/action) depends on. Out of scope per spec §1 beyond this
// interface.
type Submitter = action.Submitter

// New brings up a Node from a loaded Config. view and submitter are the
// node's two external collaborators (spec §1's "deliberately out of
// scope" chain client); pass a *chainview.MemView and a test Submitter to
// run standalone.
func New(cfg *config.Config, view chainview.View, submitter Submitter) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		view:     view,
		sessions: make(map[string]*session.Socket),
	}

	if err := n.initDataDir(); err != nil {
		return nil, err
	}
	if err := n.initLogging(); err != nil {
		return nil, err
	}
	n.mainLogger.Noticef("node identifier is %q", cfg.Server.Identifier)

	if err := n.initIdentity(); err != nil {
		return nil, fmt.Errorf("glue: identity init: %w", err)
	}
	if err := n.initStore(); err != nil {
		return nil, fmt.Errorf("glue: store init: %w", err)
	}

	n.registry = prometheus.NewRegistry()
	metrics.Register(n.registry)

	n.mapper = keymap.New()
	if err := n.mapper.Bind(n.selfKeyID, offchainPublicKeyFrom(n.packetKey.PublicKey()), n.chainAddr); err != nil {
		return nil, fmt.Errorf("glue: self key-map bind: %w", err)
	}
	if err := n.rehydrateFromStore(); err != nil {
		return nil, fmt.Errorf("glue: rehydrating persisted state: %w", err)
	}
	if mv, ok := n.view.(*chainview.MemView); ok {
		mv.PutChainSigningKey(n.chainAddr, n.identityKey.PublicKey())
	}

	n.surbs = surbstore.New(surbstore.DefaultConfig())
	n.filter = replay.New(replay.Config{
		PeakPacketsPerSecond: uint(cfg.Debug.PeakPacketsPerSecond),
		RetentionWindow:      cfg.Debug.ReplayRetentionWindow,
	})
	n.tracker = ticket.New()
	n.pending = ticket.NewPendingTable()
	n.expect = expectation.New()
	n.actions = action.New(submitter, n.expect)
	n.workers = workerpool.New(cfg.Debug.NumCryptoWorkers, cfg.Debug.NumCryptoWorkers*4)

	outgoingWinProb := types.WinProb(float64(cfg.Ticket.WinProbNumerator) / float64(cfg.Ticket.WinProbDenominator))
	outgoingPrice, err := currency.Parse[currency.HOPRToken](cfg.Ticket.UnitPrice)
	if err != nil {
		return nil, fmt.Errorf("glue: parsing Ticket.UnitPrice: %w", err)
	}

	n.decoder = decoder.New(n.view, n.surbs, n.tracker, n.pending, n.filter, n.mapper,
		n.packetKey, n.identityKey, n.chainAddr,
		decoder.Config{
			DomainSep:           cfg.Chain.DomainSeparator,
			OutgoingWinProb:     outgoingWinProb,
			OutgoingTicketPrice: outgoingPrice,
		})

	n.mainLogger.Notice("node initialized")
	return n, nil
}

func (n *Node) initDataDir() error {
	d := n.cfg.Server.DataDir
	fi, err := os.Lstat(d)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("glue: stat DataDir: %w", err)
		}
		return os.Mkdir(d, dataDirMode)
	}
	if !fi.IsDir() {
		return fmt.Errorf("glue: DataDir %q is not a directory", d)
	}
	return nil
}

func (n *Node) initLogging() error {
	b, err := nodelog.New(n.cfg.Logging.Disable, n.cfg.Server.DataDir, n.cfg.Logging.File, n.cfg.Logging.Level)
	if err != nil {
		return err
	}
	n.log = b
	n.mainLogger = b.Logger("glue")
	return nil
}

func (n *Node) initIdentity() error {
	var err error
	n.identityKey, err = loadOrGenerateEdDSA(n.cfg.Server.DataDir, "identity.private.pem")
	if err != nil {
		return err
	}
	n.packetKey, err = loadOrGenerateECDH(n.cfg.Server.DataDir, "packet.private.pem")
	if err != nil {
		return err
	}
	n.chainAddr = chainAddressFromSigningKey(n.identityKey.PublicKey())
	copy(n.selfKeyID[:], n.chainAddr[:len(n.selfKeyID)])
	return nil
}

// rehydrateFromStore replays every previously persisted account binding
// and channel (spec §6) into C1's keymap and, where the configured View
// is the in-memory reference implementation, C5's view, so a restarted
// node resumes with the state it had before shutdown.
func (n *Node) rehydrateFromStore() error {
	accounts, err := n.store.Accounts()
	if err != nil {
		return err
	}
	mv, isMemView := n.view.(*chainview.MemView)
	for _, entry := range accounts {
		if err := n.mapper.Bind(entry.KeyID, entry.PublicKey, entry.ChainAddr); err != nil {
			return err
		}
		if isMemView {
			if err := mv.PutPacketKeyBinding(entry.PublicKey, entry.ChainAddr); err != nil {
				return err
			}
		}
	}

	if isMemView {
		channels, err := n.store.Channels()
		if err != nil {
			return err
		}
		for _, ch := range channels {
			if err := mv.PutChannel(ch); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterAccount persists an (offchain key, chain address) binding (spec
// §6) and makes it immediately visible to C1's keymap and, for the
// in-memory reference View, C5's lookups — the hook an indexer feed
// would call on observing a fresh on-chain announcement.
func (n *Node) RegisterAccount(entry types.AccountEntry) error {
	if err := n.store.PutAccount(entry); err != nil {
		return err
	}
	if err := n.mapper.Bind(entry.KeyID, entry.PublicKey, entry.ChainAddr); err != nil {
		return err
	}
	if mv, ok := n.view.(*chainview.MemView); ok {
		return mv.PutPacketKeyBinding(entry.PublicKey, entry.ChainAddr)
	}
	return nil
}

// RegisterChannel persists a Channel (spec §6) and, for the in-memory
// reference View, makes it immediately visible to C5's lookups.
func (n *Node) RegisterChannel(ch types.Channel) error {
	if err := n.store.PutChannel(ch); err != nil {
		return err
	}
	if mv, ok := n.view.(*chainview.MemView); ok {
		return mv.PutChannel(ch)
	}
	return nil
}

func (n *Node) initStore() error {
	path := filepath.Join(n.cfg.Server.DataDir, "mixnode.db")
	s, err := kvstore.Open(path)
	if err != nil {
		return err
	}
	n.store = s
	return nil
}

// ChainAddress returns this node's derived on-chain address.
func (n *Node) ChainAddress() types.ChainAddress { return n.chainAddr }

// Registry exposes the Prometheus registry backing this node's metrics,
// for wiring into an HTTP /metrics handler (left to cmd/mixnode; serving
// it is out of scope per spec §1's "metrics backends").
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// HandleInbound runs one wire packet received from previousHop through
// C7, updating metrics on the outcome and, for a resolved acknowledgement,
// dispatching the newly redeemable ticket to C11 in the background.
func (n *Node) HandleInbound(ctx context.Context, previousHop types.OffchainPublicKey, wire []byte) (interface{}, error) {
	outcome, err := n.decoder.Decode(ctx, previousHop, wire)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues(classifyDropReason(err)).Inc()
		return nil, err
	}
	metrics.PacketsDecoded.WithLabelValues(classifyOutcome(outcome)).Inc()

	if ack, ok := outcome.(*decoder.AcknowledgementOutcome); ok {
		if ack.Acknowledged != nil {
			n.redeemAcknowledgedTicket(*ack.Acknowledged)
		} else if ack.ResolveErr != nil {
			n.mainLogger.Debugf("acknowledgement from %x did not resolve a pending ticket: %v", previousHop, ack.ResolveErr)
		}
	}

	return outcome, nil
}

// ticketRedeemedEvent is the EventType tag a real indexer reports for a
// confirmed ticket redemption; its concrete shape is owned by that
// out-of-scope collaborator (spec §1), so this is only this reference
// wiring's convention for matching C8's expectation.
const ticketRedeemedEvent = "TicketRedeemed"

// redeemTicketTimeout bounds how long one redemption submission waits for
// on-chain confirmation before giving up; the chain state itself is
// reconciled later by indexing regardless (spec §4.10).
const redeemTicketTimeout = 30 * time.Second

// redeemAcknowledgedTicket submits a resolved proof-of-relay ticket for
// on-chain redemption through C11, off the inbound hot path: Submit
// already serializes per account and tracks confirmation through C8.
func (n *Node) redeemAcknowledgedTicket(ack types.AcknowledgedTicket) {
	encoded, err := (&ack.SignedTicket).Encode()
	if err != nil {
		n.mainLogger.Warningf("encoding acknowledged ticket for redemption: %v", err)
		return
	}
	payload := append(append([]byte(nil), encoded[:]...), ack.HalfKeyResponse[:]...)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redeemTicketTimeout)
		defer cancel()
		_, err := n.actions.Submit(ctx, n.chainAddr, action.KindRedeemTicket, payload, func(e interface{}) bool {
			return e == ticketRedeemedEvent
		})
		if err != nil {
			n.mainLogger.Warningf("ticket redemption did not confirm: %v", err)
		}
	}()
}

func classifyOutcome(outcome interface{}) string {
	switch outcome.(type) {
	case *decoder.FinalOutcome:
		return "final"
	case *decoder.ForwardedOutcome:
		return "forwarded"
	case *decoder.AcknowledgementOutcome:
		return "acknowledgement"
	default:
		return "unknown"
	}
}

func classifyDropReason(err error) string {
	if err == nil {
		return "none"
	}
	return "undecodable_or_invalid"
}

// OpenSession constructs a C9/C10 Session socket over down, driven by a
// Reliable state machine sized from this node's Session config. An empty
// sessionID is replaced with a freshly generated UUIDv4, for callers that
// have no natural session identifier of their own.
func (n *Node) OpenSession(sessionID string, down session.Downstream) (*session.Socket, error) {
	if sessionID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		sessionID = id.String()
	}

	st := session.NewReliable(sessionID, session.ReliableConfig{
		Window:           n.cfg.Session.Window,
		RetransmitEvery:  n.cfg.Session.RetransmitEvery,
		MaxRetransmitAge: n.cfg.Session.MaxRetransmitAge,
	})

	sock, err := session.New(sessionID, st, down, session.Config{
		FrameSize:        n.cfg.Session.FrameSize,
		SegmentMTU:       n.cfg.Session.SegmentMTU,
		FrameTimeout:     n.cfg.Session.FrameTimeout,
		MaxBufferedBytes: n.cfg.Session.FrameSize * n.cfg.Session.Window,
	})
	if err != nil {
		return nil, err
	}

	n.sessMu.Lock()
	n.sessions[sessionID] = sock
	n.sessMu.Unlock()
	metrics.SessionsActive.Inc()
	return sock, nil
}

// CloseSession closes and forgets a Session previously opened via
// OpenSession.
func (n *Node) CloseSession(sessionID string) error {
	n.sessMu.Lock()
	sock, ok := n.sessions[sessionID]
	if ok {
		delete(n.sessions, sessionID)
	}
	n.sessMu.Unlock()
	if !ok {
		return nil
	}
	metrics.SessionsActive.Dec()
	return sock.Close()
}

// Actions exposes C11 for submitting on-chain actions (ticket redemption,
// channel open/close, announce).
func (n *Node) Actions() *action.Runner { return n.actions }

// Workers exposes the crypto worker pool for components outside this
// package that need to offload signature verification (spec §5).
func (n *Node) Workers() *workerpool.Pool { return n.workers }

// Shutdown halts every background component in dependency order: Session
// sockets before the worker pool before storage, mirroring server.go's
// halt() ordering discipline.
func (n *Node) Shutdown() {
	n.haltOnce.Do(n.halt)
}

func (n *Node) halt() {
	n.mainLogger.Notice("starting graceful shutdown")

	n.sessMu.Lock()
	for id, sock := range n.sessions {
		sock.Close()
		delete(n.sessions, id)
	}
	n.sessMu.Unlock()

	if n.workers != nil {
		n.workers.Stop()
	}
	if n.filter != nil {
		n.filter.Close()
	}
	if n.surbs != nil {
		n.surbs.Close()
	}
	if n.pending != nil {
		n.pending.Close()
	}
	if n.store != nil {
		n.store.Close()
	}

	n.mainLogger.Notice("shutdown complete")
}
