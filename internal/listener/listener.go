package listener

import (
	"context"
	"net"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
)

type ListenerConfig struct {
	ListenerAddr  string
	ProxyProtocol bool
	TunnelAddr    string
	TunnelToken   string
}

// Listen opens the direct listener. With ProxyProtocol set, connections
// report the client address carried in the PROXY header instead of the
// load balancer's.
func Listen(config *ListenerConfig) (net.Listener, error) {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "listener").Value()

	ln, err := net.Listen("tcp", config.ListenerAddr)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("addr", ln.Addr().String()).Bool("proxy_protocol", config.ProxyProtocol).Msg("listening")
	if !config.ProxyProtocol {
		return ln, nil
	}
	return &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 5 * time.Second}, nil
}

// RunTunnel keeps a reverse tunnel to config.TunnelAddr up and hands each
// session to serve, until ctx is cancelled or serve reports stop.
func RunTunnel(ctx context.Context, config *ListenerConfig, serve func(ln net.Listener) (stop bool)) {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "listener").Str("tunnel", config.TunnelAddr).Value()
	for {
		t0 := time.Now()
		ln, err := DialTunnel(ctx, config.TunnelAddr, config.TunnelToken)
		if err != nil {
			logger.Error().Err(err).Msg("unable to establish tunnel")
		} else {
			logger.Info().Msg("tunnel established")
			stop := serve(ln)
			ln.Close()
			if stop {
				return
			}
			logger.Warn().Msg("tunnel session ended")
		}
		d := time.Since(t0)
		wait := 5 * time.Second
		if d > 10*time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
