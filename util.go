package cardauth

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	claSecureMessaging        byte = 0x0C // first interindustry class: SM with authenticated header
	claSecureMessagingFurther byte = 0x20 // further interindustry class: SM indicated
	maxLenResponseShort            = apdu.MaxLenResponseDataStandard
	maxLenCommandShort             = apdu.MaxLenCommandDataStandard
)

func onLogicalChannel(channelID, cla byte) byte {
	if channelID <= 3 {
		return cla | channelID
	}

	if cla&0x40 != 0x40 {
		cla += 0x40
	}

	if channelID > 19 {
		channelID = 19
	}

	channelID -= 4

	return cla | (channelID & 0x0F)
}

func channelIDFromCLA(cla byte) byte {
	var channelID byte

	if cla&0x40 != 0x40 {
		channelID = cla & 0x03
	} else {
		channelID = 0x04
		channelID += cla & 0x0F
	}

	return channelID
}

// secureMessagingCLA returns the class byte indicating secure messaging on the logical channel encoded in cla.
// Proprietary and chaining indications are removed.
func secureMessagingCLA(cla byte) byte {
	channelID := channelIDFromCLA(cla)
	if channelID <= 3 {
		return onLogicalChannel(channelID, claSecureMessaging)
	}

	return onLogicalChannel(channelID, claSecureMessagingFurther)
}

// parseCommand parses a command APDU of case 1 to 4 in short length encoding.
func parseCommand(b []byte) (apdu.Capdu, error) {
	if len(b) < 4 {
		return apdu.Capdu{}, errors.Errorf("command APDU must be at least 4 bytes long, got %d", len(b))
	}

	capdu := apdu.Capdu{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}

	switch {
	case len(b) == 4:
		return capdu, nil
	case len(b) == 5:
		capdu.Ne = leToNe(b[4])
		return capdu, nil
	}

	lc := int(b[4])
	if lc == 0 {
		return apdu.Capdu{}, errors.New("extended length command APDUs are not supported")
	}

	switch len(b) {
	case 5 + lc:
		capdu.Data = append([]byte(nil), b[5:]...)
	case 6 + lc:
		capdu.Data = append([]byte(nil), b[5:5+lc]...)
		capdu.Ne = leToNe(b[5+lc])
	default:
		return apdu.Capdu{}, errors.Errorf("length of command APDU %d does not match Lc %d", len(b), lc)
	}

	return capdu, nil
}

// CommandBytes encodes capdu in short length encoding.
func CommandBytes(capdu apdu.Capdu) ([]byte, error) {
	if len(capdu.Data) > maxLenCommandShort {
		return nil, errors.Errorf("command data of %d bytes exceeds short length encoding", len(capdu.Data))
	}

	if capdu.Ne < 0 || capdu.Ne > maxLenResponseShort {
		return nil, errors.Errorf("Ne %d exceeds short length encoding", capdu.Ne)
	}

	b := make([]byte, 0, 6+len(capdu.Data))
	b = append(b, capdu.Cla, capdu.Ins, capdu.P1, capdu.P2)

	if len(capdu.Data) > 0 {
		b = append(b, byte(len(capdu.Data)))
		b = append(b, capdu.Data...)
	}

	if capdu.Ne > 0 {
		b = append(b, neToLe(capdu.Ne))
	}

	return b, nil
}

// ParseResponse splits a response APDU received from a transport into data and status word.
func ParseResponse(b []byte) (apdu.Rapdu, error) {
	if len(b) < 2 {
		return apdu.Rapdu{}, MalformedResponseError{Message: "response APDU without status word", Received: len(b)}
	}

	return apdu.Rapdu{
		Data: append([]byte(nil), b[:len(b)-2]...),
		SW1:  b[len(b)-2],
		SW2:  b[len(b)-1],
	}, nil
}

func responseBytes(rapdu apdu.Rapdu) []byte {
	b := make([]byte, 0, len(rapdu.Data)+2)
	b = append(b, rapdu.Data...)

	return append(b, rapdu.SW1, rapdu.SW2)
}

func leToNe(le byte) int {
	if le == 0x00 {
		return maxLenResponseShort
	}

	return int(le)
}

func neToLe(ne int) byte {
	if ne == maxLenResponseShort {
		return 0x00
	}

	return byte(ne)
}
