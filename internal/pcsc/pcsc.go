// Package pcsc connects cardauth to smart cards in PC/SC readers.
package pcsc

import (
	"fmt"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/skythen/apdu"

	"github.com/skythen/cardauth"
)

// Connection is a PC/SC card connection. It implements cardauth.Transmitter.
type Connection struct {
	ctx    *scard.Context
	card   *scard.Card
	Reader string
	logger zerolog.Logger
}

// Readers returns the names of the available readers.
func Readers() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}

	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "list readers")
	}

	return readers, nil
}

// Connect connects to the card in the reader with the given index (0-based).
func Connect(readerIndex int, logger *zerolog.Logger) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		_ = ctx.Release()
		return nil, errors.Errorf("no readers found: %v", err)
	}

	if readerIndex < 0 || readerIndex >= len(readers) {
		_ = ctx.Release()
		return nil, errors.Errorf("reader index %d out of range (0..%d)", readerIndex, len(readers)-1)
	}

	reader := readers[readerIndex]

	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		_ = ctx.Release()
		return nil, errors.Wrapf(err, "connect to card in %s", reader)
	}

	conn := &Connection{ctx: ctx, card: card, Reader: reader, logger: zerolog.Nop()}
	if logger != nil {
		conn.logger = *logger
	}

	conn.logger.Debug().Str("reader", reader).Msg("card connected")

	return conn, nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}

	if c.card != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
	}

	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// Transmit implements cardauth.Transmitter.
func (c *Connection) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	if c == nil || c.card == nil {
		return apdu.Rapdu{}, errors.New("connection not established")
	}

	b, err := cardauth.CommandBytes(capdu)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	resp, err := c.card.Transmit(b)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "transmit")
	}

	rapdu, err := cardauth.ParseResponse(resp)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	c.logger.Trace().
		Str("ins", fmt.Sprintf("%02X", capdu.Ins)).
		Int("lc", len(capdu.Data)).
		Str("sw", fmt.Sprintf("%02X%02X", rapdu.SW1, rapdu.SW2)).
		Msg("apdu")

	return rapdu, nil
}

// UID reads the UID of a contactless card with the PC/SC GET DATA pseudo command FF CA 00 00.
func (c *Connection) UID() ([]byte, error) {
	getUID := apdu.Capdu{Cla: 0xFF, Ins: 0xCA, P1: 0x00, P2: 0x00, Ne: 256}

	resp, err := c.Transmit(getUID)
	if err != nil {
		return nil, cardauth.TransmitError{Command: getUID, Cause: err}
	}

	if !resp.IsSuccess() {
		return nil, cardauth.NonSuccessResponseError{Command: getUID, Response: resp}
	}

	return resp.Data, nil
}
