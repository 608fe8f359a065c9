package remote

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skythen/cardauth"
)

func mustKey(t *testing.T, family cardauth.Family, data []byte) cardauth.Key {
	t.Helper()

	key, err := cardauth.NewKey(family, data)
	require.NoError(t, err)

	return key
}

func testKeyStore(t *testing.T) *cardauth.MemoryKeyStore {
	t.Helper()

	store, err := cardauth.NewMemoryKeyStore(
		cardauth.KeyEntry{Name: "aes-master", Key: cardauth.DefaultKey(cardauth.FamilyAES)},
		cardauth.KeyEntry{Name: "aes-app", KeyNo: 1, Key: mustKey(t, cardauth.FamilyAES, []byte("0123456789ABCDEF"))},
		cardauth.KeyEntry{Name: "2k3des", Key: mustKey(t, cardauth.FamilyTripleDES, []byte("ABCDEFGH12345678"))},
		cardauth.KeyEntry{Name: "3k3des", Key: mustKey(t, cardauth.FamilyThreeKeyTripleDES, []byte("ABCDEFGH12345678abcdefgh"))},
	)
	require.NoError(t, err)

	return store
}

// startServer serves store on a loopback listener until the test ends and returns a connected client.
func startServer(t *testing.T, store cardauth.KeyStore) (*Server, *Client) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(ServerConfiguration{KeyStore: store, MaxRandomBytes: 64})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)

	go func() {
		served <- server.Serve(ctx, listener)
	}()

	client, err := Dial(context.Background(), ClientConfiguration{Address: listener.Addr().String(), DialTimeout: time.Second})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		require.NoError(t, <-served)
	})

	return server, client
}

func TestRemoteCipherMatchesLocal(t *testing.T) {
	store := testKeyStore(t)
	_, client := startServer(t, store)

	ctx := context.Background()

	for _, name := range []string{"aes-app", "2k3des", "3k3des"} {
		t.Run(name, func(t *testing.T) {
			key, err := store.Key(name)
			require.NoError(t, err)

			local, err := cardauth.NewBlockCipher(key)
			require.NoError(t, err)

			remote, err := client.Cipher(ctx, name, key.Family())
			require.NoError(t, err)

			bs := key.Family().BlockSize()
			src := bytes.Repeat([]byte{0x5A, 0xA5, 0x01}, bs)[:3*bs]
			iv := bytes.Repeat([]byte{0x11}, bs)

			expected, err := local.EncryptCBC(src, iv)
			require.NoError(t, err)

			received, err := remote.EncryptCBC(src, iv)
			require.NoError(t, err)
			require.Equal(t, expected, received)

			decrypted, err := remote.DecryptCBC(received, iv)
			require.NoError(t, err)
			require.Equal(t, src, decrypted)

			expected, err = local.EncryptECB(src)
			require.NoError(t, err)

			received, err = remote.EncryptECB(src)
			require.NoError(t, err)
			require.Equal(t, expected, received)

			message := []byte("remote and local CMAC must agree")

			localMAC, err := cardauth.ComputeCMAC(key, message, cardauth.CMACParameters{})
			require.NoError(t, err)

			remoteCMAC, err := cardauth.NewCMAC(remote)
			require.NoError(t, err)

			remoteMAC, err := remoteCMAC.Sum(message, cardauth.CMACParameters{})
			require.NoError(t, err)
			require.Equal(t, localMAC, remoteMAC)
		})
	}
}

func TestRemoteDiversifyMatchesLocal(t *testing.T) {
	store := testKeyStore(t)
	_, client := startServer(t, store)

	ctx := context.Background()
	uid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	aid := uint32(0xAABBCC)

	tests := []struct {
		name    string
		keyName string
		d       cardauth.Diversification
	}{
		{name: "AES", keyName: "aes-master"},
		{name: "AES system identifier", keyName: "aes-app", d: cardauth.Diversification{SystemIdentifier: []byte("NXP Abu")}},
		{name: "2K3DES reversed AID", keyName: "2k3des", d: cardauth.Diversification{ReverseAID: true}},
		{name: "3K3DES forced K2", keyName: "3k3des", d: cardauth.Diversification{ForceK2: true}},
		{name: "explicit input", keyName: "aes-app", d: cardauth.Diversification{Input: bytes.Repeat([]byte{0x42}, 31)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			master, err := store.Key(tc.keyName)
			require.NoError(t, err)

			expected, err := cardauth.Diversify(master, uid, aid, 0x00, tc.d)
			require.NoError(t, err)

			received, err := client.Diversify(ctx, tc.keyName, uid, aid, 0x00, tc.d)
			require.NoError(t, err)
			require.Equal(t, expected.Family(), received.Family())
			require.True(t, expected.Equal(received))

			if tc.name == "AES" {
				require.Equal(t, []byte{
					0xB1, 0x66, 0x77, 0x3F, 0x41, 0x37, 0x35, 0x9C, 0xC5, 0xA6, 0xF8, 0x76, 0xE1, 0xBC, 0x52, 0xD7,
				}, received.Bytes())
			}

			// diversification through the remote cipher gives the same key without the custodian releasing the master
			input, err := tc.d.DiversificationInput(uid, aid, 0x00)
			require.NoError(t, err)

			remote, err := client.Cipher(ctx, tc.keyName, master.Family())
			require.NoError(t, err)

			viaCipher, err := cardauth.DiversifyWith(remote, input, tc.d.ForceK2)
			require.NoError(t, err)
			require.True(t, expected.Equal(viaCipher))
		})
	}
}

// authenticateEV1 runs an EV1 authentication of c against a card holding cardKey and returns the session key.
func authenticateEV1(t *testing.T, c cardauth.BlockCipher, cardKey cardauth.Key) cardauth.Key {
	t.Helper()

	card, err := cardauth.NewBlockCipher(cardKey)
	require.NoError(t, err)

	bs := cardKey.Family().BlockSize()
	rndB := []byte{0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7}

	encryptedRndB, err := card.EncryptCBC(rndB, nil)
	require.NoError(t, err)

	session, err := cardauth.NewAuthSession(c, cardauth.AuthSessionConfiguration{
		Variant: cardauth.VariantEV1,
		Random:  bytes.NewReader([]byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7}),
	})
	require.NoError(t, err)

	response, err := session.Begin(encryptedRndB)
	require.NoError(t, err)

	plain, err := card.DecryptCBC(response, encryptedRndB[len(encryptedRndB)-bs:])
	require.NoError(t, err)

	rotatedA := append(append([]byte(nil), plain[1:8]...), plain[0])

	final, err := card.EncryptCBC(rotatedA, response[len(response)-bs:])
	require.NoError(t, err)

	keys, err := session.Finish(final)
	require.NoError(t, err)

	return keys.Enc
}

func TestRemoteEV1SessionKeyMatchesLocal(t *testing.T) {
	single := mustKey(t, cardauth.FamilyTripleDES, []byte("ABCDEFGHABCDEFGH"))

	store, err := cardauth.NewMemoryKeyStore(
		cardauth.KeyEntry{Name: "2k3des", Key: mustKey(t, cardauth.FamilyTripleDES, []byte("ABCDEFGH12345678"))},
		cardauth.KeyEntry{Name: "2k3des-single", Key: single},
	)
	require.NoError(t, err)

	_, client := startServer(t, store)

	ctx := context.Background()

	tests := []struct {
		keyName   string
		singleDES bool
		expected  []byte
	}{
		{
			keyName:  "2k3des",
			expected: []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xB0, 0xB1, 0xB2, 0xB3, 0xA4, 0xA5, 0xA6, 0xA7, 0xB4, 0xB5, 0xB6, 0xB7},
		},
		{
			keyName:   "2k3des-single",
			singleDES: true,
			expected:  []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xB0, 0xB1, 0xB2, 0xB3, 0xA0, 0xA1, 0xA2, 0xA3, 0xB0, 0xB1, 0xB2, 0xB3},
		},
	}

	for _, tc := range tests {
		t.Run(tc.keyName, func(t *testing.T) {
			key, err := store.Key(tc.keyName)
			require.NoError(t, err)

			family, properties, err := client.KeyInfo(ctx, tc.keyName)
			require.NoError(t, err)
			require.Equal(t, cardauth.FamilyTripleDES, family)
			require.Equal(t, tc.singleDES, properties&PropertySingleDES != 0)

			remote, err := client.Cipher(ctx, tc.keyName, cardauth.FamilyTripleDES)
			require.NoError(t, err)

			sd, ok := remote.(cardauth.SingleDESCipher)
			require.True(t, ok)
			require.Equal(t, tc.singleDES, sd.SingleDES())

			local, err := cardauth.NewBlockCipher(key)
			require.NoError(t, err)

			localKey := authenticateEV1(t, local, key)
			remoteKey := authenticateEV1(t, remote, key)

			require.True(t, localKey.Equal(remoteKey))
			require.Equal(t, tc.expected, remoteKey.Bytes())
		})
	}

	_, err = client.Cipher(ctx, "unknown", cardauth.FamilyTripleDES)

	var statusErr StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, StatusKeyNotLoadable, statusErr.Status)
}

func TestGenerateRandom(t *testing.T) {
	_, client := startServer(t, testKeyStore(t))

	ctx := context.Background()

	random, err := client.GenerateRandom(ctx, 32)
	require.NoError(t, err)
	require.Len(t, random, 32)

	other, err := client.GenerateRandom(ctx, 32)
	require.NoError(t, err)
	require.NotEqual(t, random, other)

	empty, err := client.GenerateRandom(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = client.GenerateRandom(ctx, 65)

	var statusErr StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, StatusTooManyBytesRequested, statusErr.Status)
	require.Equal(t, OpGenRandom, statusErr.Opcode)
}

func TestStatusErrors(t *testing.T) {
	_, client := startServer(t, testKeyStore(t))

	ctx := context.Background()

	t.Run("unknown key", func(t *testing.T) {
		_, err := client.Diversify(ctx, "unknown", []byte{0x01}, 0x000001, 0x00, cardauth.Diversification{})

		var statusErr StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, StatusKeyNotLoadable, statusErr.Status)
	})

	t.Run("cipher family mismatch", func(t *testing.T) {
		remote, err := client.Cipher(ctx, "2k3des", cardauth.FamilyAES)
		require.NoError(t, err)

		_, err = remote.EncryptECB(make([]byte, 16))

		var statusErr StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, StatusKeyNotLoadable, statusErr.Status)
	})

	t.Run("diversification fails", func(t *testing.T) {
		_, err := client.Diversify(ctx, "aes-master", nil, 0x000001, 0x00, cardauth.Diversification{})

		var statusErr StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, StatusFailure, statusErr.Status)
	})

	t.Run("connection stays usable", func(t *testing.T) {
		_, err := client.GenerateRandom(ctx, 8)
		require.NoError(t, err)
	})
}

func TestServer_Handle(t *testing.T) {
	server := NewServer(ServerConfiguration{KeyStore: testKeyStore(t), MaxRandomBytes: 16})

	tests := []struct {
		name     string
		op       Opcode
		payload  []byte
		expected Status
	}{
		{
			name:     "unknown opcode",
			op:       Opcode(0x00FF),
			expected: StatusFailure,
		},
		{
			name:     "random payload size",
			op:       OpGenRandom,
			payload:  []byte{0x00},
			expected: StatusInvalidPayloadSize,
		},
		{
			name:     "random too many bytes",
			op:       OpGenRandom,
			payload:  []byte{0x00, 0x11},
			expected: StatusTooManyBytesRequested,
		},
		{
			name:     "crypt invalid flags",
			op:       OpAESCrypt,
			payload:  cryptRequest{keyName: "aes-app", flags: 0x04, data: make([]byte, 16)}.encode(),
			expected: StatusInvalidFlags,
		},
		{
			name:     "crypt partial block",
			op:       OpAESCrypt,
			payload:  cryptRequest{keyName: "aes-app", data: make([]byte, 15)}.encode(),
			expected: StatusInvalidPayloadSize,
		},
		{
			name:     "crypt no data",
			op:       OpDESCrypt,
			payload:  cryptRequest{keyName: "2k3des"}.encode(),
			expected: StatusInvalidPayloadSize,
		},
		{
			name:     "crypt truncated",
			op:       OpDESCrypt,
			payload:  []byte{0x05, 'a'},
			expected: StatusInvalidPayloadSize,
		},
		{
			name:     "crypt DES with AES key",
			op:       OpDESCrypt,
			payload:  cryptRequest{keyName: "aes-app", data: make([]byte, 16)}.encode(),
			expected: StatusKeyNotLoadable,
		},
		{
			name:     "crypt success",
			op:       OpDESCrypt,
			payload:  cryptRequest{keyName: "2k3des", flags: FlagECB, data: make([]byte, 8)}.encode(),
			expected: StatusSuccess,
		},
		{
			name:     "key info unknown key",
			op:       OpKeyInfo,
			payload:  appendShortBytes(nil, []byte("unknown")),
			expected: StatusKeyNotLoadable,
		},
		{
			name:     "key info trailing bytes",
			op:       OpKeyInfo,
			payload:  append(appendShortBytes(nil, []byte("2k3des")), 0x00),
			expected: StatusInvalidPayloadSize,
		},
		{
			name:     "key info success",
			op:       OpKeyInfo,
			payload:  appendShortBytes(nil, []byte("2k3des")),
			expected: StatusSuccess,
		},
		{
			name:     "diversify invalid flags",
			op:       OpDiversify,
			payload:  diversifyRequest{keyName: "aes-master", flags: 0x80, uid: []byte{0x01}}.encode(),
			expected: StatusInvalidFlags,
		},
		{
			name:     "diversify trailing data",
			op:       OpDiversify,
			payload:  append(diversifyRequest{keyName: "aes-master", uid: []byte{0x01}}.encode(), 0x00),
			expected: StatusInvalidPayloadSize,
		},
		{
			name:     "diversify success",
			op:       OpDiversify,
			payload:  diversifyRequest{keyName: "aes-master", uid: []byte{0x01}, aid: 0x000001}.encode(),
			expected: StatusSuccess,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := server.Handle(tc.op, tc.payload)
			require.Equal(t, tc.expected, status, status.String())
		})
	}
}

func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeRequest(&buf, OpDiversify, []byte{0x01, 0x02}))
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x04, 0x01, 0x02}, buf.Bytes())

	op, payload, err := readRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, OpDiversify, op)
	require.Equal(t, []byte{0x01, 0x02}, payload)

	require.NoError(t, writeResponse(&buf, OpGenRandom, StatusInvalidFlags, nil))
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x01, 0x00, 0x05}, buf.Bytes())

	op, status, payload, err := readResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, OpGenRandom, op)
	require.Equal(t, StatusInvalidFlags, status)
	require.Empty(t, payload)

	_, _, err = readRequest(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x01}))
	require.Error(t, err, "size smaller than header")

	_, _, err = readRequest(bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x01}))
	require.Error(t, err, "size exceeding maximum frame length")

	_, _, err = readRequest(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x0A, 0x00, 0x01, 0x00}))
	require.Error(t, err, "truncated payload")

	require.Error(t, writeRequest(&buf, OpAESCrypt, make([]byte, MaxFrameLength)))
}

func TestDiversifyRequestCodec(t *testing.T) {
	req := diversifyRequest{
		keyName:          "master",
		flags:            FlagReverseAID | FlagForceK2,
		uid:              []byte{0x04, 0x78, 0x2E},
		aid:              0x3042F5,
		keyNo:            0x02,
		systemIdentifier: []byte("NXP"),
		input:            []byte{},
	}

	decoded, err := decodeDiversifyRequest(req.encode())
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestClientReconnects(t *testing.T) {
	_, client := startServer(t, testKeyStore(t))

	ctx := context.Background()

	_, err := client.GenerateRandom(ctx, 4)
	require.NoError(t, err)

	// break the established connection; the next request is retried on a new one
	client.lock.Lock()
	require.NoError(t, client.conn.Close())
	client.lock.Unlock()

	random, err := client.GenerateRandom(ctx, 4)
	require.NoError(t, err)
	require.Len(t, random, 4)
}

func TestClientGivesUp(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	// accept connections and close them without answering
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			_ = conn.Close()
		}
	}()

	t.Cleanup(func() { _ = listener.Close() })

	client, err := Dial(context.Background(), ClientConfiguration{Address: listener.Addr().String(), MaxAttempts: 2})
	require.NoError(t, err)

	defer client.Close()

	_, err = client.GenerateRandom(context.Background(), 4)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 2 attempts")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(ServerConfiguration{KeyStore: testKeyStore(t)})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)

	go func() {
		served <- server.Serve(ctx, listener)
	}()

	client, err := Dial(context.Background(), ClientConfiguration{Address: listener.Addr().String()})
	require.NoError(t, err)

	defer client.Close()

	cancel()

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServeReturnsOnAcceptError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(ServerConfiguration{KeyStore: testKeyStore(t)})

	served := make(chan error, 1)

	go func() {
		served <- server.Serve(context.Background(), listener)
	}()

	client, err := Dial(context.Background(), ClientConfiguration{Address: listener.Addr().String(), MaxAttempts: 1})
	require.NoError(t, err)

	defer client.Close()

	_, err = client.GenerateRandom(context.Background(), 8)
	require.NoError(t, err)

	// the client connection stays open while accepting fails
	require.NoError(t, listener.Close())

	select {
	case err := <-served:
		require.Error(t, err)
		require.Contains(t, err.Error(), "accept connection")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after an accept error")
	}

	// the server closed the open connection on its way out
	_, err = client.GenerateRandom(context.Background(), 8)
	require.Error(t, err)
}

func TestDialErrors(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfiguration{})
	require.Error(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = Dial(context.Background(), ClientConfiguration{Address: address, DialTimeout: time.Second})
	require.Error(t, err)
}
