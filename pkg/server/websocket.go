package server

import (
	"crypto/md5"
	"encoding/binary"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-elements/pkg/errors"
)

// WebSocketHandler receives WebSocket lifecycle events for connections that
// upgraded off the HTTP pipeline. HandleConnect runs after the handshake
// token is derived and before the 101 response is written; HandleMessage
// runs once per inbound message.
type WebSocketHandler interface {
	HandleConnect(c *Conn)
	HandleMessage(c *Conn, message []byte)
}

// isWebSocketUpgrade reports whether the parsed headers ask for the
// draft-76 upgrade this framework speaks.
func (c *Conn) isWebSocketUpgrade() bool {
	return c.InHeaders["SERVER_PROTOCOL"] == "HTTP/1.1" &&
		c.InHeaders["HTTP_UPGRADE"] == "WebSocket" &&
		c.InHeaders["HTTP_CONNECTION"] == "Upgrade"
}

// IsWebSocket reports whether this connection completed a WebSocket
// upgrade.
func (c *Conn) IsWebSocket() bool {
	return c.isWebSocket
}

// WebSocketProtocol returns the subprotocol in effect for the handshake.
func (c *Conn) WebSocketProtocol() string {
	return c.wsProtocol
}

// SetWebSocketProtocol overrides the subprotocol echoed in the handshake.
// Only meaningful from within HandleConnect.
func (c *Conn) SetWebSocketProtocol(protocol string) {
	c.wsProtocol = protocol
}

// WriteMessage frames and sends one outbound message.
func (c *Conn) WriteMessage(message []byte) error {
	c.rawWrite([]byte{0x00})
	c.rawWrite(message)
	c.rawWrite([]byte{0xFF})
	return c.rawFlush()
}

// runWebSocket performs the draft-76 handshake and then pumps inbound
// messages until the connection drops.
func (c *Conn) runWebSocket() {
	// A message can arrive at any time; the per-request read deadline no
	// longer applies.
	c.sock.SetReadDeadline(time.Time{})

	c.isWebSocket = true
	c.wsProtocol = c.InHeaders["HTTP_SEC_WEBSOCKET_PROTOCOL"]

	// The 8-byte third key follows the headers as raw body bytes.
	key3, err := c.reader.ReadLength(8)
	if err != nil {
		return
	}

	token, err := deriveResponseToken(
		c.InHeaders["HTTP_SEC_WEBSOCKET_KEY1"],
		c.InHeaders["HTTP_SEC_WEBSOCKET_KEY2"],
		key3,
	)
	if err != nil {
		c.log.Warn("websocket handshake rejected", zap.Error(err))
		c.wireError(Status400)
		return
	}

	c.ResponseCode = Status101

	c.server.wsHandler.HandleConnect(c)

	if err := c.writeHandshake(token); err != nil {
		return
	}

	c.log.Info("websocket established", zap.String("uri", c.InHeaders["REQUEST_URI"]))

	for {
		frame, err := c.reader.ReadDelimiter([]byte{0xFF}, 0)
		if err != nil {
			return
		}
		if len(frame) < 2 {
			continue
		}
		// The payload sits between the leading 0x00 and the trailing 0xFF.
		c.server.wsHandler.HandleMessage(c, frame[1:len(frame)-1])
	}
}

// writeHandshake emits the 101 response: headers, then the 16-byte token
// with no trailing CRLF.
func (c *Conn) writeHandshake(token []byte) error {
	c.rawWriteString(c.InHeaders["SERVER_PROTOCOL"] + " " + c.ResponseCode + "\r\n")
	c.rawWriteString("Upgrade: WebSocket\r\n")
	c.rawWriteString("Connection: Upgrade\r\n")

	if c.wsProtocol != "" {
		c.rawWriteString("Sec-WebSocket-Protocol: " + c.wsProtocol + "\r\n")
	}

	c.rawWriteString("Sec-WebSocket-Origin: " + c.InHeaders["HTTP_ORIGIN"] + "\r\n")
	c.rawWriteString("Sec-WebSocket-Location: ws://" + c.InHeaders["HTTP_HOST"] + c.InHeaders["REQUEST_URI"] + "\r\n\r\n")
	c.rawWrite(token)

	c.headersWritten = true

	return c.rawFlush()
}

// deriveResponseToken computes the 16-byte handshake digest from the two
// header keys and the third key.
func deriveResponseToken(key1, key2 string, key3 []byte) ([]byte, error) {
	n1, err := extractKeyNumber(key1)
	if err != nil {
		return nil, err
	}
	n2, err := extractKeyNumber(key2)
	if err != nil {
		return nil, err
	}

	material := make([]byte, 8, 16)
	binary.BigEndian.PutUint32(material[0:4], n1)
	binary.BigEndian.PutUint32(material[4:8], n2)
	material = append(material, key3...)

	digest := md5.Sum(material)
	return digest[:], nil
}

// extractKeyNumber concatenates the decimal digits of a key header, then
// divides by the number of space characters.
func extractKeyNumber(rawKey string) (uint32, error) {
	var digits []byte
	spaces := 0

	for i := 0; i < len(rawKey); i++ {
		switch {
		case rawKey[i] >= '0' && rawKey[i] <= '9':
			digits = append(digits, rawKey[i])
		case rawKey[i] == ' ':
			spaces++
		}
	}

	if len(digits) == 0 {
		return 0, errors.NewProtocolError("websocket key holds no digits", nil)
	}
	if spaces == 0 {
		return 0, errors.NewProtocolError("websocket key holds no spaces", nil)
	}

	number, err := strconv.ParseUint(string(digits), 10, 64)
	if err != nil {
		return 0, errors.NewProtocolError("websocket key number overflow", err)
	}

	return uint32(number / uint64(spaces)), nil
}
