package main

import (
	"crypto/tls"
	"flag"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/listener"
	"nuha.dev/busrelay/internal/util"
)

var eaddr = flag.String("eaddr", ":5555", "address for external connection")
var taddr = flag.String("taddr", ":5556", "address for tunnel connection")
var secret = flag.String("token", "", "token for tunnel auth connection, generated when empty")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file ")

var logger log.Logger

func main() {
	flag.Parse()
	logger = log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "relaytunnel").Value()
	if *secret == "" {
		*secret = util.GenRandomString(24)
		logger.Info().Str("token", *secret).Msg("generated tunnel token")
	}
	logger.Info().Str("external_addr", *eaddr).Str("tunnel_addr", *taddr).Msg("starting")

	var ylistener net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		logger.Info().Msg("starting non-tls listener")
		ylistener, err = net.Listen("tcp", *taddr)
	} else {
		logger.Info().Msg("starting tls listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to load certificate")
		}
		ylistener, err = tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to open tunnel listener")
	}

	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("tunnel accept")
			time.Sleep(time.Second)
			continue
		}
		logger.Info().Str("remote_addr", yconn.RemoteAddr().String()).Msg("tunnel connection")
		runEdge(yconn)
		time.Sleep(2 * time.Second)
		logger.Info().Msg("waiting for next tunnel")
	}
}

// runEdge serves external clients over one tunnel session until the
// session dies.
func runEdge(yconn net.Conn) {
	if err := listener.AcceptHandshake(yconn, *secret); err != nil {
		logger.Warn().Err(err).Str("remote_addr", yconn.RemoteAddr().String()).Msg("tunnel handshake failed")
		yconn.Close()
		return
	}
	session, err := yamux.Server(yconn, nil)
	if err != nil {
		logger.Error().Err(err).Msg("unable to start tunnel session")
		yconn.Close()
		return
	}
	defer session.Close()

	elistener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		logger.Error().Err(err).Msg("unable to open external listener")
		return
	}
	defer func() {
		logger.Info().Msg("closing external listener")
		elistener.Close()
	}()
	go func() {
		<-session.CloseChan()
		logger.Warn().Msg("tunnel session closed")
		elistener.Close()
	}()

	for {
		conn, err := elistener.Accept()
		if err != nil {
			if !session.IsClosed() {
				logger.Error().Err(err).Msg("external accept")
			}
			return
		}
		logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("new external connection")
		go func() {
			if err := listener.Forward(session, conn); err != nil {
				logger.Debug().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("forward ended")
			}
		}()
	}
}
