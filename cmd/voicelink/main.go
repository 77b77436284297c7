// Command voicelink is a peer-to-peer voice call client. It joins a
// signaling relay, waits for incoming calls, and can place a call to a
// remote participant ID given on the command line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/voicelink/voicelink/internal/call"
	"github.com/voicelink/voicelink/internal/config"
	"github.com/voicelink/voicelink/internal/history"
	"github.com/voicelink/voicelink/internal/identity"
	sig "github.com/voicelink/voicelink/internal/signal"
)

func main() {
	dir := flag.String("dir", defaultPeerDir(), "peer data directory")
	cfgPath := flag.String("config", "", "config file (default <dir>/config.json)")
	callPeer := flag.String("call", "", "participant ID to call on startup")
	autoAnswer := flag.Bool("answer", false, "answer incoming calls automatically")
	showHistory := flag.Bool("history", false, "print recent call records and exit")
	flag.Parse()

	if err := run(*dir, *cfgPath, *callPeer, *autoAnswer, *showHistory); err != nil {
		log.Fatalf("voicelink: %v", err)
	}
}

func run(dir, cfgPath, callPeer string, autoAnswer, showHistory bool) error {
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, "config.json")
	}
	cfg, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		return err
	}

	hist, err := history.Open(resolve(dir, cfg.History.DBDir))
	if err != nil {
		return err
	}
	defer hist.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if showHistory {
		return printHistory(ctx, hist)
	}

	selfID, err := identity.LoadOrCreate(resolve(dir, cfg.Identity.IDFile))
	if err != nil {
		return err
	}
	log.Printf("voicelink: participant %s", selfID)

	relay, err := openRelay(ctx, cfg.Relay)
	if err != nil {
		return err
	}
	defer relay.Close()

	// ICE and media settings are read from the holder per call, so a
	// config reload applies to the next call placed or answered. Relay
	// and identity changes still need a restart.
	live := &liveConfig{cfg: cfg}
	unwatch, err := config.Watch(cfgPath, func() {
		fresh, err := config.Load(cfgPath)
		if err != nil {
			log.Printf("voicelink: config reload: %v", err)
			return
		}
		live.set(fresh)
		log.Printf("voicelink: config reloaded from %s (applies to new calls)", cfgPath)
	})
	if err != nil {
		return err
	}
	defer unwatch()

	newPeer := func() (call.PeerConn, call.MediaProvider, error) {
		return live.peerFactory()()
	}

	mgr, err := call.NewManager(ctx, call.ManagerConfig{
		Relay:   relay,
		SelfID:  selfID,
		NewPeer: newPeer,
		Records: hist,
		Observe: func(callID string, s call.Snapshot) {
			log.Printf("CALL [%s]: %s", callID, s.Status)
			if s.Err != "" {
				log.Printf("CALL [%s]: error: %s", callID, s.Err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	mgr.OnIncoming(func(inc *call.IncomingCall) {
		if err := hist.RecordStart(ctx, inc.CallID, inc.RemotePeer, history.DirectionIncoming); err != nil {
			log.Printf("HISTORY: record incoming: %v", err)
		}
		if autoAnswer {
			log.Printf("CALL [%s]: answering %s", inc.CallID, inc.RemotePeer)
			if _, err := inc.Accept(ctx); err != nil {
				log.Printf("CALL [%s]: accept: %v", inc.CallID, err)
			}
			return
		}
		log.Printf("CALL [%s]: incoming from %s (type 'a' to accept, 'r' to reject)", inc.CallID, inc.RemotePeer)
		setPending(inc)
	})

	if callPeer != "" {
		sess, err := mgr.Place(ctx, "", callPeer)
		if err != nil {
			return err
		}
		if err := hist.RecordStart(ctx, sess.CallID(), callPeer, history.DirectionOutgoing); err != nil {
			log.Printf("HISTORY: record outgoing: %v", err)
		}
		log.Printf("CALL [%s]: calling %s", sess.CallID(), callPeer)
	}

	go readCommands(ctx, mgr)

	<-ctx.Done()
	log.Printf("voicelink: shutting down")
	return nil
}

// liveConfig hands out the most recently loaded configuration so a
// reload on disk reaches the next call's peer connection.
type liveConfig struct {
	mu  sync.Mutex
	cfg config.Config
}

func (l *liveConfig) set(cfg config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *liveConfig) peerFactory() func() (call.PeerConn, call.MediaProvider, error) {
	l.mu.Lock()
	cfg := l.cfg
	l.mu.Unlock()

	disconnected, failed, keepAlive := cfg.ICETimeouts()
	return call.NewPeerFactory(call.ICEConfig{
		STUNServers:         cfg.ICE.STUNServers,
		DisconnectedTimeout: disconnected,
		FailedTimeout:       failed,
		KeepAliveInterval:   keepAlive,
	}, call.MediaConstraints{
		EchoCancellation: cfg.Media.EchoCancellation,
		NoiseSuppression: cfg.Media.NoiseSuppression,
		AutoGainControl:  cfg.Media.AutoGainControl,
	}, cfg.Media.Disabled)
}

// pending holds the most recent unanswered incoming call.
var (
	pendingMu sync.Mutex
	pending   *call.IncomingCall
)

func setPending(inc *call.IncomingCall) {
	pendingMu.Lock()
	pending = inc
	pendingMu.Unlock()
}

func takePending() *call.IncomingCall {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	inc := pending
	pending = nil
	return inc
}

// readCommands is the interactive stdin loop: a/r answer or reject a
// pending call, m toggles mute, h hangs up, q quits.
func readCommands(ctx context.Context, mgr *call.Manager) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "a":
			if inc := takePending(); inc != nil {
				if _, err := inc.Accept(ctx); err != nil {
					log.Printf("CALL [%s]: accept: %v", inc.CallID, err)
				}
			}
		case "r":
			if inc := takePending(); inc != nil {
				inc.Reject()
			}
		case "m":
			forEachSession(mgr, func(s *call.Session) {
				log.Printf("CALL [%s]: muted=%v", s.CallID(), s.ToggleMute())
			})
		case "h":
			forEachSession(mgr, func(s *call.Session) { s.End() })
		case "q":
			return
		}
	}
}

func forEachSession(mgr *call.Manager, fn func(*call.Session)) {
	for _, s := range mgr.Sessions() {
		fn(s)
	}
}

func openRelay(ctx context.Context, rc config.Relay) (sig.Relay, error) {
	switch rc.Kind {
	case config.RelayRedis:
		return sig.NewRedisRelay(ctx, sig.RedisOptions{
			Addr:     rc.RedisAddr,
			Password: rc.RedisPassword,
			DB:       rc.RedisDB,
		})
	case config.RelayLibp2p:
		return sig.NewLibp2pRelay(ctx, sig.Libp2pOptions{
			ListenPort: rc.ListenPort,
			MdnsTag:    rc.MdnsTag,
			Bootstrap:  rc.Bootstrap,
		})
	case config.RelayWS:
		return sig.NewWSRelay(rc.WSURL)
	case config.RelayMemory:
		return sig.NewMemoryRelay(), nil
	default:
		return nil, fmt.Errorf("unknown relay kind %q", rc.Kind)
	}
}

func printHistory(ctx context.Context, hist *history.Store) error {
	recs, err := hist.Recent(ctx, 50)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%s  %-8s  %-9s  %s  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.Direction, r.Status, r.CallID, r.RemotePeer)
	}
	return nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func defaultPeerDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".voicelink")
}
