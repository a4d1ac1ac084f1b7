package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"peerwire/internal/decoder"
	"peerwire/internal/protocol"
	"peerwire/internal/shared/models"
	"peerwire/internal/storage"
	"peerwire/internal/swarm"
	"peerwire/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "leech":
		err = runLeech(os.Args[2:])
	case "seed":
		err = runSeed(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: peerwire leech|seed [flags]")
	fmt.Fprintln(os.Stderr, "  leech -peer host:port [-torrent file -output dir | -hash hex]")
	fmt.Fprintln(os.Stderr, "  seed  -listen addr -torrent file -file payload")
}

func newLogger(path string) (*slog.Logger, func(), error) {
	logOut, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger, func() { logOut.Close() }, nil
}

func runLeech(args []string) error {
	flags := flag.NewFlagSet("leech", flag.ExitOnError)
	var torrentPath string
	var outputDir string
	var peerAddr string
	var hashHex string
	var logPath string
	var pipelineDepth int
	flags.StringVar(&torrentPath, "torrent", "", "torrent metainfo file")
	flags.StringVar(&outputDir, "output", ".", "output directory")
	flags.StringVar(&peerAddr, "peer", "", "address of a known peer (host:port)")
	flags.StringVar(&hashHex, "hash", "", "info hash in hex; handshake-only probe when no -torrent is given")
	flags.StringVar(&logPath, "log", "log.txt", "log file")
	flags.IntVar(&pipelineDepth, "pipeline", swarm.DefaultPipelineDepth, "max in-flight block requests per peer")
	flags.Parse(args)

	if peerAddr == "" {
		return errors.New("leech requires -peer")
	}

	logger, closeLog, err := newLogger(logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	if torrentPath == "" {
		if hashHex == "" {
			return errors.New("leech requires -torrent or -hash")
		}
		infoHash, err := models.HashFromHex(hashHex)
		if err != nil {
			return err
		}
		return probe(peerAddr, infoHash, logger)
	}

	f, err := os.Open(torrentPath)
	if err != nil {
		return err
	}
	defer f.Close()

	meta, err := decoder.NewDecoder().Decode(f)
	if err != nil {
		return err
	}
	logger.Info("decoded metainfo",
		slog.String("name", meta.Name),
		slog.String("info_hash", meta.InfoHash.String()),
		slog.Int("pieces", meta.NumPieces()))

	store, err := storage.Create(filepath.Join(outputDir, meta.Name), meta)
	if err != nil {
		return err
	}
	defer store.Close()

	bar := progressbar.Default(int64(meta.NumPieces()), "downloading")
	torrent := swarm.New(swarm.Config{
		Meta:            meta,
		PeerID:          models.NewPeerID(),
		Storage:         store,
		PipelineDepth:   pipelineDepth,
		Logger:          logger,
		OnPieceVerified: func(int) { bar.Add(1) },
	})
	defer torrent.Close()

	if err := torrent.Dial(peerAddr); err != nil {
		return err
	}

	<-torrent.Done()
	logger.Info("download complete", slog.String("name", meta.Name))
	return nil
}

// probe dials a peer and completes the handshake without transferring any
// data, which is useful for checking that a peer serves a given info hash.
func probe(addr string, infoHash models.Hash, logger *slog.Logger) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	engine := protocol.New(infoHash, models.NewPeerID(), true)
	if _, err := conn.Write(engine.TakeOutbound()); err != nil {
		return err
	}

	buf := make([]byte, wire.HandshakeLength)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		for _, ev := range engine.Feed(buf[:n]) {
			switch ev.Kind {
			case protocol.EventHandshakeCompleted:
				logger.Info("handshake completed", slog.String("peer", ev.PeerID.String()))
				fmt.Printf("peer %s serves %s\n", ev.PeerID, infoHash)
				return nil
			case protocol.EventProtocolViolation:
				return ev.Err
			}
		}
	}
}

func runSeed(args []string) error {
	flags := flag.NewFlagSet("seed", flag.ExitOnError)
	var torrentPath string
	var payloadPath string
	var listenAddr string
	var logPath string
	flags.StringVar(&torrentPath, "torrent", "", "torrent metainfo file")
	flags.StringVar(&payloadPath, "file", "", "payload file to seed")
	flags.StringVar(&listenAddr, "listen", "0.0.0.0:6881", "listen address")
	flags.StringVar(&logPath, "log", "log.txt", "log file")
	flags.Parse(args)

	if torrentPath == "" || payloadPath == "" {
		return errors.New("seed requires -torrent and -file")
	}

	logger, closeLog, err := newLogger(logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	f, err := os.Open(torrentPath)
	if err != nil {
		return err
	}
	defer f.Close()

	meta, err := decoder.NewDecoder().Decode(f)
	if err != nil {
		return err
	}

	store, verified, err := storage.Open(payloadPath, meta)
	if err != nil {
		return err
	}
	defer store.Close()
	if len(verified) < meta.NumPieces() {
		logger.Warn("payload incomplete", slog.Int("verified", len(verified)), slog.Int("total", meta.NumPieces()))
	}

	torrent := swarm.New(swarm.Config{
		Meta:    meta,
		PeerID:  models.NewPeerID(),
		Storage: store,
		Logger:  logger,
	})
	defer torrent.Close()

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	fmt.Printf("seeding %s on %s\n", meta.InfoHash, listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		logger.Info("accepted connection", slog.String("remote", conn.RemoteAddr().String()))
		torrent.Add(conn, false)
	}
}
