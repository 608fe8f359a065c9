package cardauth

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/skythen/apdu"
)

const (
	claDESFireNative        byte = 0x90
	insAuthenticateISO      byte = 0x1A
	insAuthenticateAES      byte = 0xAA
	insAuthenticateEV2First byte = 0x71
	insSelectApplication    byte = 0x5A
	insAdditionalFrame      byte = 0xAF
	sw1DESFire              byte = 0x91
	sw2OperationOK          byte = 0x00
	sw2AdditionalFrame      byte = 0xAF
	sw2AuthenticationError  byte = 0xAE
)

// AuthenticationConfiguration is the configuration for Authenticate.
type AuthenticationConfiguration struct {
	KeyNo   byte            // number of the card key to authenticate with.
	Variant AuthVariant     // authentication protocol.
	Random  io.Reader       // source of RndA, crypto/rand.Reader if nil.
	Logger  *zerolog.Logger // no logging if nil.
}

// Authenticate performs a mutual authentication with the key held by c and returns the session keys.
//
// This function calls Transmitter.Transmit to transmit the ISO 7816-4 wrapped native AUTHENTICATE and
// ADDITIONAL FRAME commands and receive the responses. A rejection of the second command by the card is
// reported as ErrAuthenticationFailed, like a failed verification of the card's answer.
func Authenticate(transmitter Transmitter, c BlockCipher, config AuthenticationConfiguration) (SessionKeys, error) {
	session, err := NewAuthSession(c, AuthSessionConfiguration{
		Variant: config.Variant,
		Random:  config.Random,
		Logger:  config.Logger,
	})
	if err != nil {
		return SessionKeys{}, err
	}

	first := apdu.Capdu{
		Cla:  claDESFireNative,
		Ins:  authenticateInstruction(config.Variant, c.Family()),
		P1:   0x00,
		P2:   0x00,
		Data: []byte{config.KeyNo},
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	if config.Variant == VariantEV2First {
		// LenCap 00: no PCD capabilities
		first.Data = append(first.Data, 0x00)
	}

	resp, err := transmitter.Transmit(first)
	if err != nil {
		return SessionKeys{}, TransmitError{Command: first, Cause: err}
	}

	if resp.SW1 != sw1DESFire || resp.SW2 != sw2AdditionalFrame {
		return SessionKeys{}, NonSuccessResponseError{Command: first, Response: resp}
	}

	answer, err := session.Begin(resp.Data)
	if err != nil {
		return SessionKeys{}, errors.Wrap(err, "answer card challenge")
	}

	second := apdu.Capdu{
		Cla:  claDESFireNative,
		Ins:  insAdditionalFrame,
		P1:   0x00,
		P2:   0x00,
		Data: answer,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err = transmitter.Transmit(second)
	if err != nil {
		return SessionKeys{}, TransmitError{Command: second, Cause: err}
	}

	if resp.SW1 == sw1DESFire && resp.SW2 == sw2AuthenticationError {
		return SessionKeys{}, ErrAuthenticationFailed
	}

	if resp.SW1 != sw1DESFire || resp.SW2 != sw2OperationOK {
		return SessionKeys{}, NonSuccessResponseError{Command: second, Response: resp}
	}

	return session.Finish(resp.Data)
}

// SelectApplication selects the application with the given AID, 000000 being the PICC level.
// Authentication is always bound to the selected application.
func SelectApplication(transmitter Transmitter, aid uint32) error {
	if aid > applicationIDMaxValue {
		return errors.Errorf("AID %06X exceeds 3 bytes", aid)
	}

	// AID is transmitted LSB first
	selectApplication := apdu.Capdu{
		Cla:  claDESFireNative,
		Ins:  insSelectApplication,
		P1:   0x00,
		P2:   0x00,
		Data: []byte{byte(aid), byte(aid >> 8), byte(aid >> 16)},
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := transmitter.Transmit(selectApplication)
	if err != nil {
		return TransmitError{Command: selectApplication, Cause: err}
	}

	if resp.SW1 != sw1DESFire || resp.SW2 != sw2OperationOK {
		return NonSuccessResponseError{Command: selectApplication, Response: resp}
	}

	return nil
}

func authenticateInstruction(variant AuthVariant, family Family) byte {
	if variant == VariantEV2First {
		return insAuthenticateEV2First
	}

	if family == FamilyAES {
		return insAuthenticateAES
	}

	return insAuthenticateISO
}

// Strategy is one attempt of AuthenticateWithFallback.
type Strategy struct {
	Name          string                      // used for logging only.
	Cipher        BlockCipher                 // holds the key to authenticate with.
	Configuration AuthenticationConfiguration // key number and variant of the attempt.
}

// AuthenticateWithFallback calls Authenticate for each strategy in order and returns the session keys of the first
// successful attempt together with its index. If every attempt fails, the error of the last attempt is returned.
func AuthenticateWithFallback(transmitter Transmitter, strategies []Strategy, logger *zerolog.Logger) (SessionKeys, int, error) {
	if len(strategies) == 0 {
		return SessionKeys{}, -1, errors.New("no authentication strategy given")
	}

	log := loggerOrNop(logger)

	var lastErr error

	for i, strategy := range strategies {
		keys, err := Authenticate(transmitter, strategy.Cipher, strategy.Configuration)
		if err == nil {
			log.Info().Str("strategy", strategy.Name).Int("attempt", i+1).Msg("authenticated")

			return keys, i, nil
		}

		log.Debug().Str("strategy", strategy.Name).Int("attempt", i+1).Msg("authentication attempt failed")

		lastErr = err
	}

	return SessionKeys{}, -1, errors.Wrapf(lastErr, "%d authentication strategies failed", len(strategies))
}
