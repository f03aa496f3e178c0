package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/go-mizu/claude-ide/bridge/internal/wsframe"
	"github.com/go-mizu/claude-ide/mcp"
)

const readBufferSize = 64 * 1024

// actor is one upgraded client's connection: a read loop that parses
// frames and dispatches JSON-RPC, and a writer loop that drains the
// session's outbound queue. Either loop's failure tears the whole actor
// down and removes it from the registry.
type actor struct {
	session    *Session
	conn       net.Conn
	br         *bufio.Reader
	dispatcher *mcp.Dispatcher
	reg        *registry
	log        *slog.Logger

	writerDone chan struct{}
}

func newActor(session *Session, conn net.Conn, br *bufio.Reader, dispatcher *mcp.Dispatcher, reg *registry, log *slog.Logger) *actor {
	return &actor{
		session:    session,
		conn:       conn,
		br:         br,
		dispatcher: dispatcher,
		reg:        reg,
		log:        log,
		writerDone: make(chan struct{}),
	}
}

// run drives the actor to completion: it starts the writer loop, runs
// the read loop inline, then tears everything down. Call it from its
// own goroutine.
func (a *actor) run() {
	defer func() {
		if r := recover(); r != nil {
			if a.log != nil {
				a.log.Error("bridge: connection actor panic recovered", "client_id", a.session.ID(), "panic", r)
			}
		}
		a.teardown()
	}()

	go a.writeLoop()
	a.readLoop()
}

func (a *actor) teardown() {
	a.session.Close()
	a.reg.remove(a.session.ID())
	a.conn.Close()
	<-a.writerDone
}

func (a *actor) writeLoop() {
	defer close(a.writerDone)
	for {
		msg, ok := a.session.Next()
		if !ok {
			return
		}
		frame := wsframe.Text(msg.payload)
		if _, err := a.conn.Write(frame); err != nil {
			if a.log != nil {
				a.log.Debug("bridge: write failed, closing session", "client_id", a.session.ID(), "err", err)
			}
			a.session.closeWithError(err)
			return
		}
	}
}

func (a *actor) readLoop() {
	buf := make([]byte, 0, readBufferSize)
	tmp := make([]byte, readBufferSize)

	var fragments bytes.Buffer
	var fragmentOpcode wsframe.OpCode
	fragmenting := false

	for {
		frame, consumed, err := wsframe.Parse(buf)
		if err != nil {
			a.sendClose(1002, "protocol error")
			return
		}
		if frame == nil {
			// Read through a.br, not a.conn directly: the handshake reader
			// may have already buffered bytes past the "\r\n\r\n" header
			// terminator (a client is allowed to pipeline its first frame
			// alongside the upgrade request), and br.Read drains its
			// buffer before touching the socket again.
			n, rerr := a.br.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if rerr != nil {
				return
			}
			continue
		}
		buf = buf[consumed:]

		if !a.handleFrame(frame, &fragments, &fragmentOpcode, &fragmenting) {
			return
		}
	}
}

// handleFrame processes one parsed frame and returns false when the
// read loop should stop (close received, or a fatal decode error).
func (a *actor) handleFrame(frame *wsframe.Frame, fragments *bytes.Buffer, fragmentOpcode *wsframe.OpCode, fragmenting *bool) bool {
	switch frame.OpCode {
	case wsframe.OpPing:
		if _, err := a.conn.Write(wsframe.Pong(frame.Payload)); err != nil {
			return false
		}
		return true
	case wsframe.OpPong:
		return true
	case wsframe.OpClose:
		code, reason := frame.CloseInfo()
		if code < 1000 || code > 4999 {
			code = 1000
		}
		a.sendClose(code, reason)
		return false
	case wsframe.OpContinuation:
		if !*fragmenting {
			return true
		}
		fragments.Write(frame.Payload)
		if frame.Fin {
			a.deliverMessage(*fragmentOpcode, fragments.Bytes())
			fragments.Reset()
			*fragmenting = false
		}
		return true
	case wsframe.OpText, wsframe.OpBinary:
		if !frame.Fin {
			*fragmenting = true
			*fragmentOpcode = frame.OpCode
			fragments.Reset()
			fragments.Write(frame.Payload)
			return true
		}
		a.deliverMessage(frame.OpCode, frame.Payload)
		return true
	default:
		return true
	}
}

func (a *actor) deliverMessage(opcode wsframe.OpCode, payload []byte) {
	if opcode == wsframe.OpBinary {
		if a.log != nil {
			a.log.Debug("bridge: discarding binary frame, MCP is text-only", "client_id", a.session.ID())
		}
		return
	}

	var msg mcp.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		if a.log != nil {
			a.log.Debug("bridge: dropping malformed JSON-RPC frame", "client_id", a.session.ID(), "err", err)
		}
		return
	}

	resp, ok := a.dispatcher.Handle(msg)
	if !ok {
		return
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		if a.log != nil {
			a.log.Error("bridge: failed to marshal dispatcher response", "client_id", a.session.ID(), "err", err)
		}
		return
	}
	_ = a.session.Send(encoded)
}

func (a *actor) sendClose(code uint16, reason string) {
	_ = a.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = a.conn.Write(wsframe.Close(code, reason))
}
