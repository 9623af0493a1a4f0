package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blazekv/internal/command"
	"blazekv/internal/protocol"
)

// connHandler serves one TCP connection: read a line, dispatch, write the
// response, in strict arrival order. Commands never interleave within a
// connection.
type connHandler struct {
	dispatcher  *command.Dispatcher
	idleTimeout time.Duration
	logger      *zap.Logger

	commandsProcessed atomic.Uint64
	bytesReceived     atomic.Uint64
	bytesSent         atomic.Uint64
}

func newConnHandler(dispatcher *command.Dispatcher, idleTimeout time.Duration, logger *zap.Logger) *connHandler {
	return &connHandler{
		dispatcher:  dispatcher,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// handle runs until the client disconnects, the idle timeout fires, or an
// I/O error occurs. Parse errors answer ERROR and keep the connection open.
func (h *connHandler) handle(conn net.Conn) {
	connID := uuid.NewString()[:8]
	log := h.logger.With(
		zap.String("conn_id", connID),
		zap.String("remote", conn.RemoteAddr().String()))
	log.Info("connection established")

	start := time.Now()
	reader := bufio.NewReaderSize(conn, 64*1024)

	for {
		if h.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("client disconnected")
			case errors.Is(err, os.ErrDeadlineExceeded):
				log.Info("connection idle timeout")
			case errors.Is(err, net.ErrClosed):
			default:
				log.Warn("connection read error", zap.Error(err))
			}
			break
		}
		h.bytesReceived.Add(uint64(len(line)))

		message := strings.TrimSpace(line)
		if message == "" {
			continue
		}

		resp := h.process(message, log)
		out := protocol.SerializeResponse(resp)
		if _, err := conn.Write([]byte(out)); err != nil {
			log.Warn("connection write error", zap.Error(err))
			break
		}
		h.bytesSent.Add(uint64(len(out)))
		h.commandsProcessed.Add(1)
	}

	log.Info("connection closed",
		zap.Uint64("commands", h.commandsProcessed.Load()),
		zap.Uint64("bytes_in", h.bytesReceived.Load()),
		zap.Uint64("bytes_out", h.bytesSent.Load()),
		zap.Duration("duration", time.Since(start)))
}

func (h *connHandler) process(message string, log *zap.Logger) command.Response {
	cmd, err := protocol.ParseCommand(message)
	if err != nil {
		log.Debug("parse failed", zap.String("input", message), zap.Error(err))
		return command.ErrorResponse("Parse error: " + err.Error())
	}
	return h.dispatcher.Execute(cmd)
}
