// Package discovery announces and locates caretsync peers on the local
// network with mDNS, so the dialing side can find the listener without a
// configured address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceName is the mDNS service type caretsync registers under.
const ServiceName = "_caretsync._tcp"

const mdnsDomain = "local."

// ErrNoPeer indicates browsing finished without finding a peer.
var ErrNoPeer = errors.New("no peer found on the local network")

// Announcer holds an active mDNS registration for the listening side.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers this process as a caretsync peer on the given port.
// The session id keeps concurrent instances on one machine distinguishable.
func Announce(sessionID string, port int, log *zap.Logger) (*Announcer, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("caretsync-%s-%s", host, sessionID)

	server, err := zeroconf.Register(
		instance,
		ServiceName,
		mdnsDomain,
		port,
		[]string{"session=" + sessionID},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Info("announced on mdns",
		zap.String("instance", instance),
		zap.Int("port", port))
	return &Announcer{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Announcer) Shutdown() {
	a.server.Shutdown()
}

// FindPeer browses for a caretsync listener until one is found or ctx
// expires. It returns the peer's dialable "host:port" address.
func FindPeer(ctx context.Context, log *zap.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
			log.Info("discovered peer",
				zap.String("instance", entry.Instance),
				zap.String("addr", addr))
			select {
			case found <- addr:
			default:
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceName, mdnsDomain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		select {
		case addr := <-found:
			return addr, nil
		default:
		}
		return "", ErrNoPeer
	}
}
