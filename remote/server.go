package remote

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/skythen/cardauth"
)

const defaultMaxRandomBytes = 1024

// ServerConfiguration is the configuration of a Server.
type ServerConfiguration struct {
	KeyStore       cardauth.KeyStore // resolves the key names of requests.
	MaxRandomBytes int               // maximum number of bytes of OpGenRandom, 1024 if 0.
	Random         io.Reader         // source of OpGenRandom, crypto/rand.Reader if nil.
	Logger         *zerolog.Logger   // no logging if nil.
}

// Server answers key custodian requests with the keys of a cardauth.KeyStore.
type Server struct {
	config ServerConfiguration
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewServer returns a Server. It panics if config.KeyStore is nil.
func NewServer(config ServerConfiguration) *Server {
	if config.KeyStore == nil {
		panic("value of KeyStore must not be nil")
	}

	if config.MaxRandomBytes <= 0 {
		config.MaxRandomBytes = defaultMaxRandomBytes
	}

	if config.Random == nil {
		config.Random = rand.Reader
	}

	return &Server{config: config, logger: loggerOrNop(config.Logger)}
}

// Serve accepts connections on listener and serves each of them in its own goroutine until ctx is done.
// It closes listener and waits for all connections to end before it returns.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	// connections are closed by cancel, which must run before the wait
	defer server.wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Wrap(err, "accept connection")
		}

		server.wg.Add(1)

		go func() {
			defer server.wg.Done()
			server.serveConn(ctx, conn)
		}()
	}
}

func (server *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	remoteAddr := conn.RemoteAddr().String()
	server.logger.Debug().Str("remote", remoteAddr).Msg("key custodian connection opened")

	for {
		op, payload, err := readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				server.logger.Warn().Str("remote", remoteAddr).Err(err).Msg("invalid request frame")
			}

			return
		}

		status, result := server.Handle(op, payload)

		server.logger.Info().
			Str("remote", remoteAddr).
			Str("opcode", op.String()).
			Str("status", status.String()).
			Msg("key custodian request")

		if err = writeResponse(conn, op, status, result); err != nil {
			server.logger.Warn().Str("remote", remoteAddr).Err(err).Msg("write response")
			return
		}
	}
}

// Handle executes a single request and returns the status and payload of its response.
func (server *Server) Handle(op Opcode, payload []byte) (Status, []byte) {
	switch op {
	case OpGenRandom:
		return server.generateRandom(payload)
	case OpAESCrypt, OpDESCrypt:
		return server.crypt(op, payload)
	case OpDiversify:
		return server.diversify(payload)
	case OpKeyInfo:
		return server.keyInfo(payload)
	default:
		return StatusFailure, nil
	}
}

func (server *Server) generateRandom(payload []byte) (Status, []byte) {
	if len(payload) != 2 {
		return StatusInvalidPayloadSize, nil
	}

	n := int(payload[0])<<8 | int(payload[1])
	if n > server.config.MaxRandomBytes {
		return StatusTooManyBytesRequested, nil
	}

	random := make([]byte, n)
	if _, err := io.ReadFull(server.config.Random, random); err != nil {
		return StatusFailure, nil
	}

	return StatusSuccess, random
}

func (server *Server) crypt(op Opcode, payload []byte) (Status, []byte) {
	req, err := decodeCryptRequest(payload)
	if err != nil {
		return StatusInvalidPayloadSize, nil
	}

	if req.flags&^cryptFlagsMask != 0 {
		return StatusInvalidFlags, nil
	}

	key, err := server.config.KeyStore.Key(req.keyName)
	if err != nil || (op == OpAESCrypt) != (key.Family() == cardauth.FamilyAES) {
		return StatusKeyNotLoadable, nil
	}

	blockSize := key.Family().BlockSize()
	if len(req.data) == 0 || len(req.data)%blockSize != 0 || len(req.iv) > blockSize {
		return StatusInvalidPayloadSize, nil
	}

	c, err := cardauth.NewBlockCipher(key)
	if err != nil {
		return StatusKeyNotLoadable, nil
	}

	var result []byte

	switch req.flags {
	case FlagECB:
		result, err = c.EncryptECB(req.data)
	case FlagECB | FlagDecrypt:
		result, err = c.DecryptECB(req.data)
	case FlagDecrypt:
		result, err = c.DecryptCBC(req.data, req.iv)
	default:
		result, err = c.EncryptCBC(req.data, req.iv)
	}

	if err != nil {
		return StatusFailure, nil
	}

	return StatusSuccess, result
}

func (server *Server) diversify(payload []byte) (Status, []byte) {
	req, err := decodeDiversifyRequest(payload)
	if err != nil {
		return StatusInvalidPayloadSize, nil
	}

	if req.flags&^diversifyFlagsMask != 0 {
		return StatusInvalidFlags, nil
	}

	master, err := server.config.KeyStore.Key(req.keyName)
	if err != nil {
		return StatusKeyNotLoadable, nil
	}

	d := cardauth.Diversification{
		Input:            req.input,
		SystemIdentifier: req.systemIdentifier,
		ReverseAID:       req.flags&FlagReverseAID != 0,
		ForceK2:          req.flags&FlagForceK2 != 0,
	}

	key, err := cardauth.Diversify(master, req.uid, req.aid, req.keyNo, d)
	if err != nil {
		return StatusFailure, nil
	}

	return StatusSuccess, append([]byte{familyCode(key.Family())}, key.Bytes()...)
}

func (server *Server) keyInfo(payload []byte) (Status, []byte) {
	name, rest, err := readShortBytes(payload)
	if err != nil || len(rest) != 0 {
		return StatusInvalidPayloadSize, nil
	}

	key, err := server.config.KeyStore.Key(string(name))
	if err != nil {
		return StatusKeyNotLoadable, nil
	}

	var properties byte
	if key.HalvesEqual() {
		properties |= PropertySingleDES
	}

	return StatusSuccess, []byte{familyCode(key.Family()), properties}
}
