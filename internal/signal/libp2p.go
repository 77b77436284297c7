package signal

import (
	"context"
	"fmt"
	"log"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Libp2pRelay carries signaling over GossipSub, one pubsub topic per call.
// Peers find each other via mDNS on the LAN and optional bootstrap
// multiaddrs across networks. GossipSub delivers locally published
// messages to the local subscription as well, so echo filtering applies.
//
// Topics stay joined for the relay's lifetime. GossipSub builds its mesh
// on heartbeats, so a topic joined, published on and closed in one call
// has no mesh yet and the message is silently dropped — the exact shape
// of publishing a call request to a remote inbox topic.
type Libp2pRelay struct {
	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Libp2pOptions configures the relay host.
type Libp2pOptions struct {
	ListenPort int      // TCP port, 0 for ephemeral
	MdnsTag    string   // LAN discovery service tag
	Bootstrap  []string // multiaddrs of peers to dial at startup
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if err := n.h.Connect(context.Background(), pi); err != nil {
		log.Printf("SIGNAL: mdns connect to %s: %v", pi.ID, err)
	}
}

// NewLibp2pRelay starts a libp2p host with GossipSub and mDNS discovery.
func NewLibp2pRelay(ctx context.Context, opts Libp2pOptions) (*Libp2pRelay, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("signal: start libp2p host: %w", err)
	}

	if opts.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			h.Close()
			return nil, fmt.Errorf("signal: start mdns: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("signal: start gossipsub: %w", err)
	}

	r := &Libp2pRelay{
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
	}

	for _, addr := range opts.Bootstrap {
		if err := r.connectBootstrap(ctx, addr); err != nil {
			log.Printf("SIGNAL: bootstrap %s: %v", addr, err)
		}
	}

	log.Printf("SIGNAL: libp2p relay up, peer id %s", h.ID())
	return r, nil
}

func (r *Libp2pRelay) connectBootstrap(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("addr info: %w", err)
	}
	return r.host.Connect(ctx, *info)
}

// join returns the long-lived topic handle, joining it on first use.
func (r *Libp2pRelay) join(topic string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[topic]; ok {
		return t, nil
	}
	t, err := r.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("signal: join topic %s: %w", topic, err)
	}
	r.topics[topic] = t
	return t, nil
}

// Subscribe joins the topic and pumps GossipSub messages to fn. Cancel
// stops the pump; the topic itself stays joined until the relay closes.
func (r *Libp2pRelay) Subscribe(ctx context.Context, topic string, fn func(data []byte)) (func(), error) {
	t, err := r.join(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("signal: subscribe %s: %w", topic, err)
	}

	subCtx, stop := context.WithCancel(ctx)
	go func() {
		for {
			m, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			fn(m.Data)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			sub.Cancel()
		})
	}
	return cancel, nil
}

// Publish broadcasts data on the topic.
func (r *Libp2pRelay) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := r.join(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("signal: publish %s: %w", topic, err)
	}
	return nil
}

// Addrs returns the relay's dialable multiaddrs, peer ID included —
// suitable as another relay's bootstrap list.
func (r *Libp2pRelay) Addrs() []string {
	var out []string
	for _, a := range r.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+r.host.ID().String())
	}
	return out
}

// PeerID returns the relay host's libp2p peer ID string.
func (r *Libp2pRelay) PeerID() string { return r.host.ID().String() }

// Close leaves all topics and shuts down the libp2p host.
func (r *Libp2pRelay) Close() error {
	r.mu.Lock()
	topics := r.topics
	r.topics = make(map[string]*pubsub.Topic)
	r.mu.Unlock()

	for name, t := range topics {
		if err := t.Close(); err != nil {
			log.Printf("SIGNAL: close topic %s: %v", name, err)
		}
	}
	return r.host.Close()
}
