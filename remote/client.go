package remote

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/skythen/cardauth"
)

const (
	defaultMaxAttempts = 3
	defaultDialTimeout = 10 * time.Second
	maxShortField      = 0xFF
)

// ClientConfiguration is the configuration of a Client.
type ClientConfiguration struct {
	Address     string          // host:port of the key custodian.
	TLSConfig   *tls.Config     // TLS is used if not nil.
	MaxAttempts int             // attempts per request including reconnects, 3 if 0.
	DialTimeout time.Duration   // timeout of a single connection attempt, 10s if 0.
	Logger      *zerolog.Logger // no logging if nil.
}

// Client is a connection to a key custodian. It is safe for concurrent use; requests are serialized.
type Client struct {
	config ClientConfiguration
	conn   net.Conn
	logger zerolog.Logger
	lock   sync.Mutex
}

// Dial connects to the key custodian at config.Address.
func Dial(ctx context.Context, config ClientConfiguration) (*Client, error) {
	if config.Address == "" {
		return nil, errors.New("address of key custodian is required")
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}

	client := &Client{config: config, logger: loggerOrNop(config.Logger)}

	if err := client.connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// Close closes the connection to the key custodian.
func (client *Client) Close() error {
	client.lock.Lock()
	defer client.lock.Unlock()

	return client.disconnect()
}

func (client *Client) connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: client.config.DialTimeout}

	var (
		conn net.Conn
		err  error
	)

	if client.config.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: client.config.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", client.config.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", client.config.Address)
	}

	if err != nil {
		return errors.Wrapf(err, "connect to key custodian %s", client.config.Address)
	}

	client.conn = conn

	return nil
}

func (client *Client) disconnect() error {
	if client.conn == nil {
		return nil
	}

	err := client.conn.Close()
	client.conn = nil

	return err
}

// transact sends a request and returns the payload of its response. I/O failures are retried on a fresh
// connection up to MaxAttempts times; a response with a non-success status is returned as StatusError immediately.
func (client *Client) transact(ctx context.Context, op Opcode, payload []byte) ([]byte, error) {
	client.lock.Lock()
	defer client.lock.Unlock()

	var lastErr error

	for attempt := 1; attempt <= client.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if client.conn == nil {
			if err := client.connect(ctx); err != nil {
				lastErr = err
				client.logger.Warn().Str("opcode", op.String()).Int("attempt", attempt).Msg("reconnect to key custodian failed")

				continue
			}
		}

		result, err := client.roundTrip(ctx, op, payload)
		if err == nil {
			return result, nil
		}

		var statusErr StatusError
		if errors.As(err, &statusErr) {
			return nil, statusErr
		}

		lastErr = err
		_ = client.disconnect()

		client.logger.Warn().Str("opcode", op.String()).Int("attempt", attempt).Msg("key custodian request failed")
	}

	return nil, errors.Wrapf(lastErr, "%s failed after %d attempts", op, client.config.MaxAttempts)
}

func (client *Client) roundTrip(ctx context.Context, op Opcode, payload []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}

	if err := client.conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}

	if err := writeRequest(client.conn, op, payload); err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	respOp, status, result, err := readResponse(client.conn)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	if respOp != op {
		return nil, errors.Errorf("response opcode %s does not match request opcode %s", respOp, op)
	}

	if status != StatusSuccess {
		return nil, StatusError{Opcode: op, Status: status}
	}

	return result, nil
}

// GenerateRandom returns n random bytes generated by the key custodian.
func (client *Client) GenerateRandom(ctx context.Context, n int) ([]byte, error) {
	if n < 0 || n > 0xFFFF {
		return nil, errors.Errorf("invalid number of random bytes %d", n)
	}

	result, err := client.transact(ctx, OpGenRandom, []byte{byte(n >> 8), byte(n)})
	if err != nil {
		return nil, err
	}

	if len(result) != n {
		return nil, errors.Errorf("key custodian returned %d random bytes instead of %d", len(result), n)
	}

	return result, nil
}

// Diversify requests the NXP AV2 diversification of the named master key. The custodian builds the
// diversification input exactly like cardauth.Diversification.DiversificationInput.
func (client *Client) Diversify(ctx context.Context, keyName string, uid []byte, aid uint32, keyNo byte, d cardauth.Diversification) (cardauth.Key, error) {
	if len(keyName) > maxShortField || len(uid) > maxShortField || len(d.SystemIdentifier) > maxShortField || len(d.Input) > maxShortField {
		return cardauth.Key{}, errors.New("diversification request field exceeds 255 bytes")
	}

	if aid > 0xFFFFFF {
		return cardauth.Key{}, errors.Errorf("AID %06X exceeds 3 bytes", aid)
	}

	req := diversifyRequest{
		keyName:          keyName,
		uid:              uid,
		aid:              aid,
		keyNo:            keyNo,
		systemIdentifier: d.SystemIdentifier,
		input:            d.Input,
	}

	if d.ReverseAID {
		req.flags |= FlagReverseAID
	}

	if d.ForceK2 {
		req.flags |= FlagForceK2
	}

	result, err := client.transact(ctx, OpDiversify, req.encode())
	if err != nil {
		return cardauth.Key{}, err
	}

	if len(result) < 1 {
		return cardauth.Key{}, errors.New("empty diversification response")
	}

	family, err := familyFromCode(result[0])
	if err != nil {
		return cardauth.Key{}, err
	}

	return cardauth.NewKey(family, result[1:])
}

// KeyInfo returns the family of the named key and the properties the custodian reports for it.
func (client *Client) KeyInfo(ctx context.Context, keyName string) (cardauth.Family, byte, error) {
	if keyName == "" || len(keyName) > maxShortField {
		return cardauth.FamilyUnknown, 0, errors.New("key name must be 1-255 bytes long")
	}

	result, err := client.transact(ctx, OpKeyInfo, appendShortBytes(nil, []byte(keyName)))
	if err != nil {
		return cardauth.FamilyUnknown, 0, err
	}

	if len(result) != 2 {
		return cardauth.FamilyUnknown, 0, errors.Errorf("key info response of %d bytes", len(result))
	}

	family, err := familyFromCode(result[0])
	if err != nil {
		return cardauth.FamilyUnknown, 0, err
	}

	return family, result[1], nil
}

// Cipher returns a cardauth.BlockCipher that performs its operations with the named key on the key custodian.
// All operations of the returned BlockCipher use ctx. For a 2K3DES key Cipher asks the custodian whether
// both halves are equal, so that session keys derive like with a local key.
func (client *Client) Cipher(ctx context.Context, keyName string, family cardauth.Family) (cardauth.BlockCipher, error) {
	if keyName == "" || len(keyName) > maxShortField {
		return nil, errors.New("key name must be 1-255 bytes long")
	}

	op := OpDESCrypt
	if family == cardauth.FamilyAES {
		op = OpAESCrypt
	} else if !family.IsDES() {
		return nil, cardauth.UnsupportedAlgorithmError{Family: family, Operation: "remote cipher"}
	}

	c := &remoteCipher{client: client, ctx: ctx, keyName: keyName, family: family, op: op}

	if family == cardauth.FamilyTripleDES {
		held, properties, err := client.KeyInfo(ctx, keyName)
		if err != nil {
			return nil, errors.Wrapf(err, "query key %s", keyName)
		}

		c.singleDES = held == cardauth.FamilyTripleDES && properties&PropertySingleDES != 0
	}

	return c, nil
}

type remoteCipher struct {
	client    *Client
	ctx       context.Context
	keyName   string
	family    cardauth.Family
	op        Opcode
	singleDES bool
}

func (c *remoteCipher) Family() cardauth.Family {
	return c.family
}

func (c *remoteCipher) SingleDES() bool {
	return c.singleDES
}

func (c *remoteCipher) EncryptECB(src []byte) ([]byte, error) {
	return c.crypt(FlagECB, nil, src)
}

func (c *remoteCipher) DecryptECB(src []byte) ([]byte, error) {
	return c.crypt(FlagECB|FlagDecrypt, nil, src)
}

func (c *remoteCipher) EncryptCBC(src, iv []byte) ([]byte, error) {
	return c.crypt(0, iv, src)
}

func (c *remoteCipher) DecryptCBC(src, iv []byte) ([]byte, error) {
	return c.crypt(FlagDecrypt, iv, src)
}

func (c *remoteCipher) crypt(flags byte, iv, src []byte) ([]byte, error) {
	blockSize := c.family.BlockSize()

	if len(src)%blockSize != 0 {
		return nil, errors.New("src length is not a multiple of the block size")
	}

	normalized := make([]byte, blockSize)
	copy(normalized, iv)

	req := cryptRequest{keyName: c.keyName, flags: flags, iv: normalized, data: src}

	result, err := c.client.transact(c.ctx, c.op, req.encode())
	if err != nil {
		return nil, err
	}

	if len(result) != len(src) {
		return nil, errors.Errorf("key custodian returned %d bytes instead of %d", len(result), len(src))
	}

	return result, nil
}

func loggerOrNop(logger *zerolog.Logger) zerolog.Logger {
	if logger == nil {
		return zerolog.Nop()
	}

	return *logger
}
