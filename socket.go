package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
)

// Listener is the accept side of a listening socket.
type Listener interface {
	Accept() (net.Conn, error)
	Addr() net.Addr
}

// socket bundles Listener and dialer.WithNetwork. µTP listening/dialing
// (anacrolix/go-libutp) is dropped: spec.md Non-goals exclude µTP, so this
// core only ever runs over TCP.
type socket interface {
	Listener
	Network() string
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Close() error
}

// Dialing TCP from a local port limits us to a single outgoing TCP
// connection to each remote client, so it stays off.
const dialTcpFromListenPort = false

var tcpListenConfig = net.ListenConfig{
	// BitTorrent connections manage their own keep-alives.
	KeepAlive: -1,
}

func listenTcp(network, address string) (s socket, err error) {
	l, err := tcpListenConfig.Listen(context.Background(), network, address)
	if err != nil {
		return
	}
	netDialer := net.Dialer{
		FallbackDelay: -1,
		KeepAlive:     tcpListenConfig.KeepAlive,
	}
	if dialTcpFromListenPort {
		netDialer.LocalAddr = l.Addr()
	}
	s = tcpSocket{
		Listener: l,
		network:  network,
		dialer:   &netDialer,
	}
	return
}

type tcpSocket struct {
	net.Listener
	network string
	dialer  *net.Dialer
}

func (s tcpSocket) Network() string { return s.network }

func (s tcpSocket) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return s.dialer.DialContext(ctx, s.network, addr)
}

func listenAll(networks []network, getHost func(string) string, port int, logger log.Logger) ([]socket, error) {
	if len(networks) == 0 {
		return nil, nil
	}
	var nahs []networkAndHost
	for _, n := range networks {
		nahs = append(nahs, networkAndHost{n, getHost(n.String())})
	}
	for {
		ss, retry, err := listenAllRetry(nahs, port, logger)
		if !retry {
			return ss, err
		}
	}
}

type networkAndHost struct {
	Network network
	Host    string
}

func isUnsupportedNetworkError(err error) bool {
	var sysErr *os.SyscallError
	if !errors.As(err, &sysErr) {
		return false
	}
	return sysErr.Syscall == "bind" && sysErr.Err.Error() == "cannot assign requested address"
}

func listenAllRetry(nahs []networkAndHost, port int, logger log.Logger) (ss []socket, retry bool, err error) {
	defer func() {
		if err != nil || retry {
			for _, s := range ss {
				s.Close()
			}
			ss = nil
		}
	}()
	g.MakeSliceWithCap(&ss, len(nahs))
	portStr := strconv.FormatInt(int64(port), 10)
	for _, nah := range nahs {
		var s socket
		s, err = listenTcp(nah.Network.String(), net.JoinHostPort(nah.Host, portStr))
		if err != nil {
			if isUnsupportedNetworkError(err) {
				err = nil
				continue
			}
			if len(ss) == 0 {
				err = fmt.Errorf("first listen: %w", err)
			} else {
				err = fmt.Errorf("subsequent listen: %w", err)
			}
			retry = missinggo.IsAddrInUse(err) && port == 0
			return
		}
		ss = append(ss, s)
		portStr = strconv.FormatInt(int64(missinggo.AddrPort(ss[0].Addr())), 10)
	}
	return
}

// network names a TCP address family, the way the teacher's own "network"
// type distinguishes tcp4/tcp6 listen sockets.
type network struct {
	Tcp  bool
	Ipv4 bool
	Ipv6 bool
}

func (n network) String() string {
	s := "tcp"
	if n.Ipv4 {
		s += "4"
	} else if n.Ipv6 {
		s += "6"
	}
	return s
}
